package mmap

import "math/bits"

// MaxSize is the largest mapping this package attempts: 2GB on 32-bit
// platforms, 256TB on 64-bit ones.
const MaxSize = 1<<(31+17*(bits.UintSize/64)) - 1
