package basic

// NoPos marks an absent link (left/right/parent) or an unallocated row.
const NoPos int64 = -1

// CachedObject is a persisted unit that the row cache can hold in memory.
//
// Position is a unit offset: the byte offset in the data file is pos*scale.
// StorageSize is fixed once the object is first written; a row that needs a
// different size is released and allocated again.
type CachedObject interface {
	GetPos() int64
	SetPos(pos int64)

	// GetStorageSize 磁盘上占用的字节数
	GetStorageSize() int

	HasChanged() bool
	SetChanged(changed bool)

	IsInMemory() bool
	SetInMemory(in bool)

	// IsKeepInMemory reports whether the object is pinned and exempt from eviction.
	IsKeepInMemory() bool
	// KeepInMemory pins or unpins the object; it returns false when unpinning an
	// object that was not pinned.
	KeepInMemory(keep bool) bool
}
