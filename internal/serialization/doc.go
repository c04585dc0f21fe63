// Package serialization reads and writes tensor containers: the native
// .born format used for trained weights and for the variables payload of
// exported bundles, and SafeTensors files produced by other toolchains.
//
//	.born v2 layout:
//	  [0x00: Magic "BORN"]
//	  [0x04: Version uint32 LE = 2]
//	  [0x08: Flags uint32 LE]
//	  [0x0C: reserved]
//	  [0x10: Header size uint64 LE]
//	  [0x18: Data size uint64 LE]
//	  [0x20: SHA-256 of the data section]
//	  [0x40: Header JSON]
//	  [Tensor data, 64-byte aligned]
//
// Version 1 files (no fixed header, no checksum) are still readable.
// Tensors are always written in name order so identical inputs produce
// identical files.
package serialization
