// Package palette holds the fixed canvas color table.
package palette

import "image/color"

const (
	Transparent  = 0
	EraseMarker  = -1
	MaxColorID   = 63
	FirstPremium = 32
)

type Color struct {
	ID   int
	Name string
	RGB  color.RGBA
}

var colors = [...]Color{
	{1, "Black", rgb(0, 0, 0)},
	{2, "Dark Gray", rgb(60, 60, 60)},
	{3, "Gray", rgb(120, 120, 120)},
	{4, "Light Gray", rgb(210, 210, 210)},
	{5, "White", rgb(255, 255, 255)},
	{6, "Dark Red", rgb(96, 0, 24)},
	{7, "Red", rgb(237, 28, 36)},
	{8, "Orange", rgb(255, 127, 39)},
	{9, "Light Orange", rgb(246, 170, 9)},
	{10, "Yellow", rgb(249, 221, 59)},
	{11, "Light Yellow", rgb(255, 250, 188)},
	{12, "Dark Green", rgb(14, 185, 104)},
	{13, "Green", rgb(19, 230, 123)},
	{14, "Light Green", rgb(135, 255, 94)},
	{15, "Dark Teal", rgb(12, 129, 110)},
	{16, "Teal", rgb(16, 174, 166)},
	{17, "Light Teal", rgb(19, 225, 190)},
	{18, "Dark Blue", rgb(40, 80, 158)},
	{19, "Blue", rgb(64, 147, 228)},
	{20, "Light Blue", rgb(96, 247, 242)},
	{21, "Indigo", rgb(107, 80, 246)},
	{22, "Periwinkle", rgb(153, 177, 251)},
	{23, "Dark Purple", rgb(120, 12, 153)},
	{24, "Purple", rgb(170, 56, 185)},
	{25, "Lavender", rgb(224, 159, 249)},
	{26, "Dark Pink", rgb(203, 0, 122)},
	{27, "Pink", rgb(236, 31, 128)},
	{28, "Light Pink", rgb(243, 141, 169)},
	{29, "Dark Brown", rgb(104, 70, 52)},
	{30, "Brown", rgb(149, 104, 42)},
	{31, "Light Brown", rgb(248, 178, 119)},
	{32, "Medium Gray", rgb(170, 170, 170)},
	{33, "Maroon", rgb(165, 14, 30)},
	{34, "Salmon", rgb(250, 128, 114)},
	{35, "Burnt Orange", rgb(228, 92, 26)},
	{36, "Tan", rgb(214, 181, 148)},
	{37, "Dark Gold", rgb(156, 132, 49)},
	{38, "Gold", rgb(197, 173, 49)},
	{39, "Light Gold", rgb(232, 212, 95)},
	{40, "Olive", rgb(74, 107, 58)},
	{41, "Forest Green", rgb(90, 148, 74)},
	{42, "Lime Green", rgb(132, 197, 115)},
	{43, "Dark Aqua", rgb(15, 121, 159)},
	{44, "Cyan", rgb(187, 250, 242)},
	{45, "Sky Blue", rgb(125, 199, 255)},
	{46, "Royal Blue", rgb(77, 49, 184)},
	{47, "Navy", rgb(74, 66, 132)},
	{48, "Light Purple", rgb(122, 113, 196)},
	{49, "Lilac", rgb(181, 174, 241)},
	{50, "Ochre", rgb(219, 164, 99)},
	{51, "Terracotta", rgb(209, 128, 81)},
	{52, "Peach", rgb(255, 197, 165)},
	{53, "Dark Rose", rgb(155, 82, 73)},
	{54, "Rose", rgb(209, 128, 120)},
	{55, "Light Rose", rgb(250, 182, 164)},
	{56, "Taupe", rgb(123, 99, 82)},
	{57, "Light Taupe", rgb(156, 132, 107)},
	{58, "Charcoal", rgb(51, 57, 65)},
	{59, "Slate", rgb(109, 117, 141)},
	{60, "Light Slate", rgb(179, 185, 209)},
	{61, "Khaki", rgb(109, 100, 63)},
	{62, "Light Khaki", rgb(148, 140, 107)},
	{63, "Beige", rgb(205, 197, 158)},
}

var byRGB = func() map[[3]uint8]int {
	m := make(map[[3]uint8]int, len(colors))
	for _, c := range colors {
		m[[3]uint8{c.RGB.R, c.RGB.G, c.RGB.B}] = c.ID
	}
	return m
}()

func rgb(r, g, b uint8) color.RGBA {
	return color.RGBA{R: r, G: g, B: b, A: 255}
}

// Lookup maps an exact RGB triple to its color id, or 0 when unknown.
func Lookup(r, g, b uint8) int {
	return byRGB[[3]uint8{r, g, b}]
}

// Get returns the palette entry for id 1..63.
func Get(id int) (Color, bool) {
	if id < 1 || id > MaxColorID {
		return Color{}, false
	}
	return colors[id-1], true
}

func Name(id int) string {
	switch id {
	case Transparent:
		return "Transparent"
	case EraseMarker:
		return "Erase"
	}
	if c, ok := Get(id); ok {
		return c.Name
	}
	return "Unknown"
}

// Valid reports whether v may appear in a template grid.
func Valid(v int) bool {
	return v >= EraseMarker && v <= MaxColorID
}

func IsPremium(id int) bool {
	return id >= FirstPremium && id <= MaxColorID
}

// Owns reports whether an account with the given premium bitmap can paint id.
// Transparent and the basic colors are always available.
func Owns(bitmap uint64, id int) bool {
	if id < FirstPremium {
		return id >= 0
	}
	if id > MaxColorID {
		return false
	}
	return bitmap&(1<<uint(id-FirstPremium)) != 0
}

// Premium returns all premium ids in ascending order.
func Premium() []int {
	ids := make([]int, 0, MaxColorID-FirstPremium+1)
	for id := FirstPremium; id <= MaxColorID; id++ {
		ids = append(ids, id)
	}
	return ids
}
