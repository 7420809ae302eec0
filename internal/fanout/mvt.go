package fanout

import (
	"math"

	"github.com/hfsslive/trackcore/internal/model"
)

// Mapbox Vector Tile encoding for the tile_data message of spec §4.6. No
// example repo in the retrieval pack imports a protobuf or MVT library, so
// this hand-rolls the documented wire format directly, the same way
// internal/gpsfront hand-decodes the Watch/TK103 ASCII frame formats instead
// of reaching for a parser generator.
//
// Message shapes (vector_tile.proto, the public MVT spec):
//
//	Tile    { repeated Layer layers = 3 }
//	Layer   { string name = 1; repeated Feature features = 2;
//	          repeated string keys = 3; repeated Value values = 4;
//	          uint32 extent = 5 [default=4096]; uint32 version = 15 [default=2] }
//	Feature { uint64 id = 1; repeated uint32 tags = 2 [packed=true];
//	          GeomType type = 3; repeated uint32 geometry = 4 [packed=true] }
//	Value   { string string_value = 1 }
const (
	mvtExtent  = 4096
	mvtVersion = 2

	geomTypePoint = 1

	wireVarint = 0
	wireBytes  = 2
)

func appendVarint(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

func appendTag(buf []byte, field, wireType int) []byte {
	return appendVarint(buf, uint64(field)<<3|uint64(wireType))
}

func appendVarintField(buf []byte, field int, v uint64) []byte {
	buf = appendTag(buf, field, wireVarint)
	return appendVarint(buf, v)
}

func appendBytesField(buf []byte, field int, data []byte) []byte {
	buf = appendTag(buf, field, wireBytes)
	buf = appendVarint(buf, uint64(len(data)))
	return append(buf, data...)
}

func appendStringField(buf []byte, field int, s string) []byte {
	return appendBytesField(buf, field, []byte(s))
}

// zigzagEncode maps a signed delta to the unsigned varint MVT geometry
// parameters use, per the spec's zigzag encoding rule.
func zigzagEncode(v int) uint32 {
	x := int32(v)
	return uint32((x << 1) ^ (x >> 31))
}

func encodeStringValue(s string) []byte {
	return appendStringField(nil, 1, s)
}

// tileLocalXY projects lat/lon into tile t's local extent-unit coordinate
// space, origin top-left, same convention tileAt's slippy-map tiling uses.
func tileLocalXY(lat, lon float64, t Tile) (int, int) {
	n := math.Pow(2, float64(t.Z))
	fx := (lon + 180) / 360 * n
	latRad := lat * math.Pi / 180
	fy := (1 - math.Log(math.Tan(latRad)+1/math.Cos(latRad))/math.Pi) / 2 * n
	x := int((fx - float64(t.X)) * mvtExtent)
	y := int((fy - float64(t.Y)) * mvtExtent)
	return x, y
}

// encodePointFeature builds one MVT Point Feature for a pilot position, with
// pilot_id/pilot_name/timestamp string tags and a single MoveTo geometry
// command relative to a cursor reset at (0,0), the standard per-feature
// geometry encoding.
func encodePointFeature(id uint64, p model.Position, t Tile, keys map[string]int, values *[][]byte) []byte {
	x, y := tileLocalXY(p.Lat, p.Lon, t)

	tagPair := func(key, val string) (uint32, uint32) {
		ki, ok := keys[key]
		if !ok {
			ki = len(keys)
			keys[key] = ki
		}
		*values = append(*values, encodeStringValue(val))
		vi := len(*values) - 1
		return uint32(ki), uint32(vi)
	}

	var tags []byte
	k, v := tagPair("pilot_id", p.PilotID)
	tags = appendVarint(tags, uint64(k))
	tags = appendVarint(tags, uint64(v))
	k, v = tagPair("pilot_name", p.PilotName)
	tags = appendVarint(tags, uint64(k))
	tags = appendVarint(tags, uint64(v))
	k, v = tagPair("timestamp", p.Timestamp.UTC().Format("2006-01-02T15:04:05Z"))
	tags = appendVarint(tags, uint64(k))
	tags = appendVarint(tags, uint64(v))

	var geom []byte
	geom = appendVarint(geom, (1<<3)|1) // MoveTo, count 1
	geom = appendVarint(geom, uint64(zigzagEncode(x)))
	geom = appendVarint(geom, uint64(zigzagEncode(y)))

	var feat []byte
	feat = appendVarintField(feat, 1, id)
	feat = appendBytesField(feat, 2, tags)
	feat = appendVarintField(feat, 3, geomTypePoint)
	feat = appendBytesField(feat, 4, geom)
	return feat
}

// encodeLayer builds one MVT Layer named name containing one Point feature
// per position in positions, all projected into tile t.
func encodeLayer(name string, t Tile, positions []model.Position) []byte {
	keys := make(map[string]int)
	var values [][]byte

	var features []byte
	for i, p := range positions {
		feat := encodePointFeature(uint64(i+1), p, t, keys, &values)
		features = appendBytesField(features, 2, feat)
	}

	orderedKeys := make([]string, len(keys))
	for k, i := range keys {
		orderedKeys[i] = k
	}

	var layer []byte
	layer = appendStringField(layer, 1, name)
	layer = append(layer, features...)
	for _, k := range orderedKeys {
		layer = appendStringField(layer, 3, k)
	}
	for _, v := range values {
		layer = appendBytesField(layer, 4, v)
	}
	layer = appendVarintField(layer, 5, mvtExtent)
	layer = appendVarintField(layer, 15, mvtVersion)
	return layer
}

// encodeMVTTile builds a complete MVT-encoded Tile message with a single
// "pilots" layer holding one Point feature per position in tile t.
func encodeMVTTile(t Tile, positions []model.Position) []byte {
	layer := encodeLayer("pilots", t, positions)
	var tile []byte
	tile = appendBytesField(tile, 3, layer)
	return tile
}

// positionsInTile returns the positions whose Web-Mercator tile coordinate
// at t's zoom level equals t.
func positionsInTile(positions []model.Position, t Tile) []model.Position {
	var out []model.Position
	for _, p := range positions {
		x, y := tileAt(p.Lat, p.Lon, t.Z)
		if x == t.X && y == t.Y {
			out = append(out, p)
		}
	}
	return out
}
