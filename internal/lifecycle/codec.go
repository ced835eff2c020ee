package lifecycle

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/canvas"
	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// gridBlobVersion prefixes every archived grid so the layout can change later.
const gridBlobVersion byte = 1

var (
	gridEncMode cbor.EncMode
	gridDecMode cbor.DecMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	gridEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("lifecycle: CBOR encoder initialization failed: " + err.Error())
	}
	gridDecMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("lifecycle: CBOR decoder initialization failed: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		panic("lifecycle: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("lifecycle: zstd decoder initialization failed: " + err.Error())
	}
}

// encodeGrid serializes cells deterministically so re-archiving the same grid
// yields identical bytes.
func encodeGrid(cells []canvas.Cell) ([]byte, error) {
	if cells == nil {
		cells = []canvas.Cell{}
	}
	encoded, err := gridEncMode.Marshal(cells)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: encode grid: %w", err)
	}
	compressed := zstdEncoder.EncodeAll(encoded, make([]byte, 0, len(encoded)/4+1))
	return append([]byte{gridBlobVersion}, compressed...), nil
}

func decodeGrid(blob []byte) ([]canvas.Cell, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("lifecycle: decode grid: empty blob")
	}
	if blob[0] != gridBlobVersion {
		return nil, fmt.Errorf("lifecycle: decode grid: unknown version %d", blob[0])
	}
	encoded, err := zstdDecoder.DecodeAll(blob[1:], nil)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: zstd decompress: %w", err)
	}
	var cells []canvas.Cell
	if err := gridDecMode.Unmarshal(encoded, &cells); err != nil {
		return nil, fmt.Errorf("lifecycle: decode grid: %w", err)
	}
	return cells, nil
}
