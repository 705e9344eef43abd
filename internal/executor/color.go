package executor

import "unicode/utf16"

// Palette is the set of tab group colors, in hash order.
var Palette = []string{"blue", "red", "yellow", "green", "pink", "purple", "cyan", "orange"}

// Color picks a group color from name. It reproduces the extension's
// string hash exactly: UTF-16 code units, the shift done in 32 bits and the
// running sum left unbounded.
func Color(name string) string {
	var hash int64
	for _, c := range utf16.Encode([]rune(name)) {
		hash = int64(c) + (int64(int32(hash)<<5) - hash)
	}
	if hash < 0 {
		hash = -hash
	}
	return Palette[hash%int64(len(Palette))]
}
