package presence

import "unicode/utf16"

var palette = [...]string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c", "#fabebe",
	"#008080", "#e6beff", "#9a6324", "#fffac8", "#800000",
	"#aaffc3", "#808000", "#ffd8b1", "#000075", "#808080",
}

// Color picks the palette color for a username. The hash runs over UTF-16
// code units with 32-bit wraparound so browsers computing the same color
// client side agree with the server.
func Color(username string) string {
	var h int64
	for _, c := range utf16.Encode([]rune(username)) {
		// Only the shift is 32-bit; the running sum is not truncated.
		h = int64(c) + (int64(int32(h)<<5) - h)
	}
	if h < 0 {
		h = -h
	}
	return palette[h%int64(len(palette))]
}
