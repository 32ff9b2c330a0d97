// Package avatar derives placeholder avatar URLs from display names.
package avatar

import (
	"net/url"
	"strings"
)

const baseURL = "https://ui-avatars.com/api/"

var (
	lightPalette = []string{"E0F2FE", "DCFCE7", "FEF3C7", "FFEDD5", "EDE9FE", "FCE7F3", "FFE4E6"}
	darkPalette  = []string{"0EA5E9", "22C55E", "EAB308", "FB923C", "A855F7", "EC4899", "F97373"}
)

// URL returns an SVG avatar for name. The background is picked from the
// palette by the sum of the name's code points, so a name always maps to the
// same color.
func URL(name string, dark bool) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "User"
	}

	palette := lightPalette
	if dark {
		palette = darkPalette
	}

	sum := 0
	for _, r := range name {
		sum += int(r)
	}

	return baseURL + "?name=" + url.QueryEscape(name) +
		"&color=FFFFFF&background=" + palette[sum%len(palette)] +
		"&rounded=true&font-size=0.36&format=svg"
}
