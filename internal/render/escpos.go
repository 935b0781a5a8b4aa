// Package render builds ESC/POS byte streams for thermal kitchen printers.
//
// Builder is a pure function of its inputs: the same sequence of calls
// always produces identical bytes (spec property 5). It never performs
// I/O — internal/transport is responsible for getting the bytes to a
// physical printer.
package render

import (
	"bytes"
	"strings"
	"unicode"
)

// Justify is the text alignment mode.
type Justify int

const (
	JustifyLeft Justify = iota
	JustifyCenter
	JustifyRight
)

// Size is a character scaling factor; width/height are each 1x or 2x.
type Size struct {
	Width, Height int
}

var (
	Size1x1 = Size{1, 1}
	Size2x1 = Size{2, 1}
	Size1x2 = Size{1, 2}
	Size2x2 = Size{2, 2}
)

// ECCLevel is a QR code error-correction level.
type ECCLevel byte

const (
	ECCL ECCLevel = 'L'
	ECCM ECCLevel = 'M'
	ECCQ ECCLevel = 'Q'
	ECCH ECCLevel = 'H'
)

// Codepage selects the single-byte code page used to encode Text.
type Codepage int

const (
	CodepageCP437 Codepage = iota
	CodepageCP858
)

// Builder accumulates ESC/POS commands into a byte stream.
type Builder struct {
	buf      bytes.Buffer
	codepage Codepage
	columns  int
}

// New returns a Builder for a printer with the given column width
// (spec max is 80; callers should clamp capabilities.max_columns to that
// before constructing).
func New(maxColumns int) *Builder {
	if maxColumns <= 0 || maxColumns > 80 {
		maxColumns = 48
	}
	return &Builder{codepage: CodepageCP437, columns: maxColumns}
}

// Bytes returns the accumulated byte stream.
func (b *Builder) Bytes() []byte { return b.buf.Bytes() }

// Init emits ESC @ (initialize printer).
func (b *Builder) Init() *Builder {
	b.buf.WriteString("\x1b@")
	return b
}

// SetCodepage selects the active code page for subsequent Text calls.
// Unsupported characters are replaced with '?' at encode time rather than
// failing, matching the "best-effort transliteration" contract in §4.1.
func (b *Builder) SetCodepage(cp Codepage) *Builder {
	b.codepage = cp
	var n byte
	switch cp {
	case CodepageCP858:
		n = 19
	default:
		n = 0
	}
	b.buf.WriteString("\x1bt")
	b.buf.WriteByte(n)
	return b
}

// Bold toggles bold emphasis (ESC E n).
func (b *Builder) Bold(on bool) *Builder {
	b.buf.WriteString("\x1bE")
	b.buf.WriteByte(boolByte(on))
	return b
}

// Underline toggles underline (ESC - n).
func (b *Builder) Underline(on bool) *Builder {
	b.buf.WriteString("\x1b-")
	b.buf.WriteByte(boolByte(on))
	return b
}

// Inverse toggles black/white reverse printing (GS B n).
func (b *Builder) Inverse(on bool) *Builder {
	b.buf.WriteString("\x1dB")
	b.buf.WriteByte(boolByte(on))
	return b
}

// JustifyText sets horizontal alignment (ESC a n).
func (b *Builder) JustifyText(j Justify) *Builder {
	b.buf.WriteString("\x1ba")
	b.buf.WriteByte(byte(j))
	return b
}

// SizeText sets character scaling (GS ! n).
func (b *Builder) SizeText(s Size) *Builder {
	w := clampScale(s.Width)
	h := clampScale(s.Height)
	n := byte((w-1)<<4 | (h - 1))
	b.buf.WriteString("\x1d!")
	b.buf.WriteByte(n)
	return b
}

// Feed advances the paper n lines (ESC d n).
func (b *Builder) Feed(n int) *Builder {
	if n < 0 {
		n = 0
	}
	b.buf.WriteString("\x1bd")
	b.buf.WriteByte(byte(n))
	return b
}

// Text encodes s to the active codepage and appends it verbatim — no
// trailing newline, callers that want a line break follow with Feed or
// embed "\n" explicitly.
func (b *Builder) Text(s string) *Builder {
	b.buf.Write(encode(s, b.codepage))
	return b
}

// Line is Text followed by a newline.
func (b *Builder) Line(s string) *Builder {
	b.Text(s)
	b.buf.WriteByte('\n')
	return b
}

// QR emits a QR code via the GS ( k block sequence. size is clamped to
// 1..16 and ecc to {L,M,Q,H} per §4.1.
func (b *Builder) QR(data string, size int, ecc ECCLevel) *Builder {
	if size < 1 {
		size = 1
	}
	if size > 16 {
		size = 16
	}
	eccByte := byte(49) // M
	switch ecc {
	case ECCL:
		eccByte = 48
	case ECCM:
		eccByte = 49
	case ECCQ:
		eccByte = 50
	case ECCH:
		eccByte = 51
	}

	b.gsKBlock(0x31, 0x41, []byte{48 + 2, 0})      // select model 2
	b.gsKBlock(0x31, 0x43, []byte{byte(size)})     // module size
	b.gsKBlock(0x31, 0x45, []byte{eccByte})        // error correction level
	b.gsKBlock(0x31, 0x50, append([]byte{0x30}, []byte(data)...)) // store data
	b.gsKBlock(0x31, 0x51, []byte{0x30})           // print buffer
	return b
}

// gsKBlock writes one "GS ( k pL pH cn fn args..." block, where pL/pH
// encode len(args)+2 (the cn/fn bytes) as a little-endian 16-bit count.
func (b *Builder) gsKBlock(cn, fn byte, args []byte) {
	n := len(args) + 2
	b.buf.WriteString("\x1d(k")
	b.buf.WriteByte(byte(n % 256))
	b.buf.WriteByte(byte(n / 256))
	b.buf.WriteByte(cn)
	b.buf.WriteByte(fn)
	b.buf.Write(args)
}

// Barcode emits a 1D barcode (GS k) for the given symbology code and data.
func (b *Builder) Barcode(symbology byte, data string) *Builder {
	b.buf.WriteString("\x1dk")
	b.buf.WriteByte(symbology)
	b.buf.WriteByte(byte(len(data)))
	b.buf.WriteString(data)
	return b
}

// Column describes one column of a Table row.
type Column struct {
	Width int
	Right bool
}

// Table renders one row across fixed-width columns summing to b.columns.
// Right-aligned columns that overflow are ellipsized from the left;
// left-aligned columns are ellipsized from the right, per §4.1.
func (b *Builder) Table(cols []Column, values []string) *Builder {
	var line strings.Builder
	for i, col := range cols {
		v := ""
		if i < len(values) {
			v = values[i]
		}
		line.WriteString(fitColumn(v, col.Width, col.Right))
	}
	b.Line(strings.TrimRight(line.String(), " "))
	return b
}

func fitColumn(s string, width int, right bool) string {
	if width <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) > width {
		if width <= 1 {
			return string(r[:width])
		}
		if right {
			r = append([]rune{'…'}, r[len(r)-width+1:]...)
		} else {
			r = append(r[:width-1], '…')
		}
	}
	pad := width - len(r)
	if pad < 0 {
		pad = 0
	}
	if right {
		return strings.Repeat(" ", pad) + string(r)
	}
	return string(r) + strings.Repeat(" ", pad)
}

// FullCut emits a full paper cut (GS V 0).
func (b *Builder) FullCut() *Builder {
	b.buf.WriteString("\x1dV")
	b.buf.WriteByte(0)
	return b
}

// PartialCut emits a partial paper cut (GS V 1).
func (b *Builder) PartialCut() *Builder {
	b.buf.WriteString("\x1dV")
	b.buf.WriteByte(1)
	return b
}

// DrawerKick pulses the cash-drawer kick pin (ESC p).
func (b *Builder) DrawerKick(pin int, onMS, offMS int) *Builder {
	if pin != 2 && pin != 5 {
		pin = 2
	}
	m := byte(0)
	if pin == 5 {
		m = 1
	}
	b.buf.WriteString("\x1bp")
	b.buf.WriteByte(m)
	b.buf.WriteByte(msToTicks(onMS))
	b.buf.WriteByte(msToTicks(offMS))
	return b
}

func msToTicks(ms int) byte {
	t := ms / 2
	if t < 0 {
		t = 0
	}
	if t > 255 {
		t = 255
	}
	return byte(t)
}

func boolByte(on bool) byte {
	if on {
		return 1
	}
	return 0
}

func clampScale(n int) int {
	if n < 1 {
		return 1
	}
	if n > 2 {
		return 2
	}
	return n
}

// encode transliterates s into the given single-byte codepage, replacing
// any rune the codepage cannot represent with '?'.
func encode(s string, cp Codepage) []byte {
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r < unicode.MaxASCII {
			out = append(out, byte(r))
			continue
		}
		if b, ok := codepageByte(r, cp); ok {
			out = append(out, b)
			continue
		}
		out = append(out, '?')
	}
	return out
}

// codepageByte looks up a best-effort single-byte encoding for r. The core
// table only covers the handful of accented Latin characters restaurant
// menus commonly use; anything else falls back to '?' in the caller.
func codepageByte(r rune, cp Codepage) (byte, bool) {
	table := cp437HighASCII
	if cp == CodepageCP858 {
		table = cp858HighASCII
	}
	b, ok := table[r]
	return b, ok
}

var cp437HighASCII = map[rune]byte{
	'é': 0x82, 'â': 0x83, 'à': 0x85, 'ç': 0x87, 'ê': 0x88, 'ë': 0x89,
	'è': 0x8a, 'ï': 0x8b, 'î': 0x8c, 'ì': 0x8d, 'ô': 0x93, 'ö': 0x94,
	'ò': 0x95, 'û': 0x96, 'ù': 0x97, 'ÿ': 0x98, 'ü': 0x81, 'á': 0xa0,
	'í': 0xa1, 'ó': 0xa2, 'ú': 0xa3, 'ñ': 0xa4, 'Ñ': 0xa5,
}

var cp858HighASCII = map[rune]byte{
	'é': 0x82, 'â': 0x83, 'à': 0x85, 'ç': 0x87, 'ê': 0x88, 'ë': 0x89,
	'è': 0x8a, 'ï': 0x8b, 'î': 0x8c, 'ì': 0x8d, 'ô': 0x93, 'ö': 0x94,
	'ò': 0x95, 'û': 0x96, 'ù': 0x97, 'ÿ': 0x98, 'ü': 0x81, 'á': 0xa0,
	'í': 0xa1, 'ó': 0xa2, 'ú': 0xa3, 'ñ': 0xa4, 'Ñ': 0xa5, '€': 0xd5,
}
