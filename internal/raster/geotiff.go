package raster

import (
	"bytes"
	"encoding/binary"
	"image"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/image/tiff"

	"github.com/sells-group/cropsoil/internal/crs"
)

// TIFF and GeoTIFF tags read outside the image decoder.
const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagPhotometric     = 262
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagSampleFormat    = 339
	tagModelPixelScale = 33550
	tagModelTiepoint   = 33922
	tagGDALNoData      = 42113
)

// TIFF field types.
const (
	typeASCII  = 2
	typeShort  = 3
	typeLong   = 4
	typeDouble = 12
)

const (
	sampleUint  = 1
	sampleInt   = 2
	sampleFloat = 3
)

type geoTags struct {
	order    binary.ByteOrder
	scale    []float64
	tiepoint []float64
	nodata   *float64
	signed   bool
}

// ReadGeoTIFF decodes a single-band 8 or 16 bit GeoTIFF. Signed 16-bit data
// is accepted by rewriting its SampleFormat before the image decoder sees it
// and reinterpreting the samples afterwards.
func ReadGeoTIFF(r io.Reader, code crs.Code) (*Raster, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, eris.Wrap(err, "raster: read geotiff")
	}
	tags, err := scanTags(buf)
	if err != nil {
		return nil, err
	}
	if len(tags.scale) < 2 || len(tags.tiepoint) < 6 {
		return nil, eris.New("raster: geotiff has no ModelPixelScale/ModelTiepoint")
	}

	img, err := tiff.Decode(bytes.NewReader(buf))
	if err != nil {
		return nil, eris.Wrap(err, "raster: decode tiff")
	}

	b := img.Bounds()
	geo := GeoTransform{
		PixelWidth:  tags.scale[0],
		PixelHeight: tags.scale[1],
	}
	geo.OriginX = tags.tiepoint[3] - tags.tiepoint[0]*geo.PixelWidth
	geo.OriginY = tags.tiepoint[4] + tags.tiepoint[1]*geo.PixelHeight

	out := New(code, b.Dx(), b.Dy(), geo)
	set := func(i int, v float64) {
		if tags.nodata != nil && v == *tags.nodata {
			return
		}
		out.Data[i] = float32(v)
	}

	switch m := img.(type) {
	case *image.Gray:
		for y := 0; y < out.Rows; y++ {
			row := m.Pix[y*m.Stride:]
			for x := 0; x < out.Cols; x++ {
				set(y*out.Cols+x, float64(row[x]))
			}
		}
	case *image.Gray16:
		for y := 0; y < out.Rows; y++ {
			row := m.Pix[y*m.Stride:]
			for x := 0; x < out.Cols; x++ {
				u := uint16(row[2*x])<<8 | uint16(row[2*x+1])
				if tags.signed {
					set(y*out.Cols+x, float64(int16(u)))
				} else {
					set(y*out.Cols+x, float64(u))
				}
			}
		}
	case *image.Paletted:
		for y := 0; y < out.Rows; y++ {
			row := m.Pix[y*m.Stride:]
			for x := 0; x < out.Cols; x++ {
				set(y*out.Cols+x, float64(row[x]))
			}
		}
	default:
		return nil, eris.Errorf("raster: unsupported tiff color model %T", img)
	}
	return out, nil
}

// scanTags walks the first IFD for the georeferencing tags. When the samples
// are signed integers it patches SampleFormat to unsigned in buf.
func scanTags(buf []byte) (*geoTags, error) {
	if len(buf) < 8 {
		return nil, eris.New("raster: tiff header truncated")
	}
	t := &geoTags{}
	switch string(buf[0:4]) {
	case "II\x2A\x00":
		t.order = binary.LittleEndian
	case "MM\x00\x2A":
		t.order = binary.BigEndian
	default:
		return nil, eris.New("raster: not a classic tiff")
	}

	off := int(t.order.Uint32(buf[4:8]))
	if off+2 > len(buf) {
		return nil, eris.New("raster: ifd offset out of range")
	}
	n := int(t.order.Uint16(buf[off : off+2]))
	for i := 0; i < n; i++ {
		e := off + 2 + 12*i
		if e+12 > len(buf) {
			return nil, eris.New("raster: ifd truncated")
		}
		tag := t.order.Uint16(buf[e : e+2])
		typ := t.order.Uint16(buf[e+2 : e+4])
		count := int(t.order.Uint32(buf[e+4 : e+8]))

		switch tag {
		case tagPhotometric:
			if typ == typeShort && t.order.Uint16(buf[e+8:e+10]) == 0 {
				// The image decoder inverts WhiteIsZero samples.
				return nil, eris.New("raster: WhiteIsZero photometric not supported")
			}
		case tagSampleFormat:
			if typ != typeShort || count < 1 {
				return nil, eris.New("raster: bad SampleFormat entry")
			}
			if count > 1 {
				return nil, eris.New("raster: multi-band tiff not supported")
			}
			switch t.order.Uint16(buf[e+8 : e+10]) {
			case sampleUint:
			case sampleInt:
				t.signed = true
				t.order.PutUint16(buf[e+8:e+10], sampleUint)
			case sampleFloat:
				return nil, eris.New("raster: floating-point tiff not supported")
			}
		case tagModelPixelScale, tagModelTiepoint:
			vals, err := t.doubles(buf, e, typ, count)
			if err != nil {
				return nil, err
			}
			if tag == tagModelPixelScale {
				t.scale = vals
			} else {
				t.tiepoint = vals
			}
		case tagGDALNoData:
			if typ != typeASCII {
				continue
			}
			raw, err := t.payload(buf, e, count)
			if err != nil {
				return nil, err
			}
			s := strings.TrimSpace(strings.TrimRight(string(raw), "\x00"))
			if v, err := strconv.ParseFloat(s, 64); err == nil {
				t.nodata = &v
			}
		}
	}
	return t, nil
}

func (t *geoTags) payload(buf []byte, e, size int) ([]byte, error) {
	if size <= 4 {
		return buf[e+8 : e+8+size], nil
	}
	p := int(t.order.Uint32(buf[e+8 : e+12]))
	if p < 0 || p+size > len(buf) {
		return nil, eris.New("raster: tag data out of range")
	}
	return buf[p : p+size], nil
}

func (t *geoTags) doubles(buf []byte, e int, typ uint16, count int) ([]float64, error) {
	if typ != typeDouble {
		return nil, eris.Errorf("raster: geo tag has type %d, want double", typ)
	}
	raw, err := t.payload(buf, e, 8*count)
	if err != nil {
		return nil, err
	}
	out := make([]float64, count)
	for i := range out {
		out[i] = math.Float64frombits(t.order.Uint64(raw[8*i : 8*i+8]))
	}
	return out, nil
}

// EncodeGeoTIFF writes r as an uncompressed signed 16-bit GeoTIFF, the layout
// the SoilGrids coverage service returns. Masked cells become nodata.
func EncodeGeoTIFF(w io.Writer, r *Raster, nodata int16) error {
	le := binary.LittleEndian
	nodataText := strconv.Itoa(int(nodata)) + "\x00"

	type entry struct {
		tag, typ uint16
		count    uint32
		value    uint32
		data     []byte
	}
	short := func(tag uint16, v uint16) entry { return entry{tag: tag, typ: typeShort, count: 1, value: uint32(v)} }
	long := func(tag uint16, v uint32) entry { return entry{tag: tag, typ: typeLong, count: 1, value: v} }
	dbl := func(tag uint16, vs ...float64) entry {
		b := make([]byte, 8*len(vs))
		for i, v := range vs {
			le.PutUint64(b[8*i:], math.Float64bits(v))
		}
		return entry{tag: tag, typ: typeDouble, count: uint32(len(vs)), data: b}
	}

	pixels := make([]byte, 2*r.Cols*r.Rows)
	for i, v := range r.Data {
		s := nodata
		if !math.IsNaN(float64(v)) {
			s = int16(math.Round(float64(v)))
		}
		le.PutUint16(pixels[2*i:], uint16(s))
	}

	entries := []entry{
		long(tagImageWidth, uint32(r.Cols)),
		long(tagImageLength, uint32(r.Rows)),
		short(tagBitsPerSample, 16),
		short(tagCompression, 1),
		short(tagPhotometric, 1),
		long(tagStripOffsets, 0),
		short(tagSamplesPerPixel, 1),
		long(tagRowsPerStrip, uint32(r.Rows)),
		long(tagStripByteCounts, uint32(len(pixels))),
		short(tagSampleFormat, sampleInt),
		dbl(tagModelPixelScale, r.Geo.PixelWidth, r.Geo.PixelHeight, 0),
		dbl(tagModelTiepoint, 0, 0, 0, r.Geo.OriginX, r.Geo.OriginY, 0),
		{tag: tagGDALNoData, typ: typeASCII, count: uint32(len(nodataText)), data: []byte(nodataText)},
	}

	ifdLen := 2 + 12*len(entries) + 4
	next := uint32(8 + ifdLen)
	for i := range entries {
		if entries[i].data != nil {
			if len(entries[i].data) <= 4 {
				var v [4]byte
				copy(v[:], entries[i].data)
				entries[i].value = le.Uint32(v[:])
				entries[i].data = nil
				continue
			}
			entries[i].value = next
			next += uint32(len(entries[i].data))
		}
	}
	for i := range entries {
		if entries[i].tag == tagStripOffsets {
			entries[i].value = next
		}
	}

	var b bytes.Buffer
	b.WriteString("II\x2A\x00")
	_ = binary.Write(&b, le, uint32(8))
	_ = binary.Write(&b, le, uint16(len(entries)))
	for _, e := range entries {
		_ = binary.Write(&b, le, e.tag)
		_ = binary.Write(&b, le, e.typ)
		_ = binary.Write(&b, le, e.count)
		if e.typ == typeShort && e.count == 1 {
			_ = binary.Write(&b, le, uint16(e.value))
			_ = binary.Write(&b, le, uint16(0))
		} else {
			_ = binary.Write(&b, le, e.value)
		}
	}
	_ = binary.Write(&b, le, uint32(0))
	for _, e := range entries {
		b.Write(e.data)
	}
	b.Write(pixels)

	if _, err := w.Write(b.Bytes()); err != nil {
		return eris.Wrap(err, "raster: write geotiff")
	}
	return nil
}
