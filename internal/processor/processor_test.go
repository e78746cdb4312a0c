package processor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/tableanalyst-worker/internal/dataset"
	"github.com/adverant/nexus/tableanalyst-worker/internal/errors"
	"github.com/adverant/nexus/tableanalyst-worker/internal/logging"
	"github.com/adverant/nexus/tableanalyst-worker/internal/metrics"
	"github.com/adverant/nexus/tableanalyst-worker/internal/storage"
)

var pngHeader = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0}

func revenueDetections() []Detection {
	dets := []Detection{det("Month", 10, 10), det("Revenue", 100, 10)}
	for i, r := range [][2]string{{"Jan", "100"}, {"Feb", "110"}, {"Mar", "150"}, {"Apr", "160"}} {
		y := float64(50 + 40*i)
		dets = append(dets, det(r[0], 10, y), det(r[1], 100, y))
	}
	return dets
}

type failingDetector struct{ err error }

func (f failingDetector) Name() string { return "failing" }

func (f failingDetector) Detect(context.Context, []byte) ([]Detection, error) {
	return nil, f.err
}

type blockingDetector struct{}

func (blockingDetector) Name() string { return "blocking" }

func (blockingDetector) Detect(ctx context.Context, _ []byte) ([]Detection, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func newPipeline(t *testing.T, cfg PipelineConfig) *Pipeline {
	t.Helper()
	if cfg.Detector == nil {
		cfg.Detector = StaticDetector{Detections: revenueDetections()}
	}
	cfg.Logger = logging.Nop()
	p, err := NewPipeline(&cfg)
	require.NoError(t, err)
	return p
}

func TestNewPipelineRequiresDetector(t *testing.T) {
	_, err := NewPipeline(&PipelineConfig{})
	assert.Error(t, err)
	_, err = NewPipeline(nil)
	assert.Error(t, err)
}

func TestProcessDetections(t *testing.T) {
	p := newPipeline(t, PipelineConfig{Metrics: metrics.New()})

	res, err := p.ProcessDetections(context.Background(), &DetectionRequest{
		Source:     "http",
		Detections: revenueDetections(),
	})
	require.NoError(t, err)

	assert.NotEmpty(t, res.JobID)
	assert.Equal(t, AssemblyStructured, res.AssemblyKind)
	assert.Equal(t, 10, res.Detections)
	assert.InDelta(t, 0.9, res.MeanConfidence, 1e-9)
	assert.Equal(t, []string{"Month", "Revenue"}, res.Table.Headers)
	assert.Equal(t, dataset.TypeNumeric, res.Table.Types[1])
	require.NotEmpty(t, res.Insights)
	assert.Contains(t, res.Insights[0].Text, "Revenue grew sharply")

	// xlsx files are zip archives
	require.Greater(t, len(res.Report), 2)
	assert.Equal(t, "PK", string(res.Report[:2]))
	assert.Contains(t, res.ReportName, res.JobID)
	assert.Contains(t, res.TimingsMs, StageLayout)
	assert.Contains(t, res.TimingsMs, StageRender)
	assert.Nil(t, res.ReportLocation)
}

func TestProcessImage(t *testing.T) {
	p := newPipeline(t, PipelineConfig{MaxFileSize: 1024})

	res, err := p.ProcessImage(context.Background(), &ProcessRequest{
		JobID:  "job-1",
		Source: "telegram",
		Image:  pngHeader,
	})
	require.NoError(t, err)
	assert.Equal(t, "job-1", res.JobID)
	assert.Equal(t, 4, res.Table.NumRows())
	assert.Contains(t, res.TimingsMs, StageDetect)
}

func TestProcessImageRejections(t *testing.T) {
	tests := []struct {
		name  string
		image []byte
		code  errors.ErrorCode
	}{
		{"pdf", []byte("%PDF-1.7 ..."), errors.ErrorUnsupportedFormat},
		{"unknown bytes", []byte("hello world"), errors.ErrorUnsupportedFormat},
		{"too short", []byte{0xFF}, errors.ErrorUnsupportedFormat},
		{"too large", append(append([]byte{}, pngHeader...), make([]byte, 64)...), errors.ErrorFileTooLarge},
	}

	p := newPipeline(t, PipelineConfig{MaxFileSize: 32})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.ProcessImage(context.Background(), &ProcessRequest{Image: tt.image})
			require.Error(t, err)
			assert.Equal(t, tt.code, errors.CodeOf(err))
		})
	}
}

func TestProcessImageOCRFailure(t *testing.T) {
	cause := fmt.Errorf("tesseract crashed")
	p := newPipeline(t, PipelineConfig{Detector: failingDetector{err: cause}})

	_, err := p.ProcessImage(context.Background(), &ProcessRequest{Image: pngHeader})
	require.Error(t, err)
	assert.Equal(t, errors.ErrorOCRFailed, errors.CodeOf(err))
	assert.ErrorIs(t, err, cause)
}

func TestProcessImageTimeout(t *testing.T) {
	p := newPipeline(t, PipelineConfig{Detector: blockingDetector{}, Timeout: 20 * time.Millisecond})

	_, err := p.ProcessImage(context.Background(), &ProcessRequest{Image: pngHeader})
	require.Error(t, err)
	assert.Equal(t, errors.ErrorProcessingTimeout, errors.CodeOf(err))
}

func TestProcessNoData(t *testing.T) {
	p := newPipeline(t, PipelineConfig{Detector: StaticDetector{}})

	_, err := p.ProcessImage(context.Background(), &ProcessRequest{Image: pngHeader})
	require.Error(t, err)
	assert.Equal(t, errors.ErrorNoData, errors.CodeOf(err))
}

func TestMinConfidenceFilter(t *testing.T) {
	p := newPipeline(t, PipelineConfig{MinConfidence: 0.5})

	dets := revenueDetections()
	noise := det("~~", 300, 50)
	noise.Confidence = 0.1
	dets = append(dets, noise)

	res, err := p.ProcessDetections(context.Background(), &DetectionRequest{Detections: dets})
	require.NoError(t, err)
	assert.Equal(t, 10, res.Detections)
	assert.Equal(t, 2, res.Table.NumCols())

	for i := range dets {
		dets[i].Confidence = 0.2
	}
	_, err = p.ProcessDetections(context.Background(), &DetectionRequest{Detections: dets})
	assert.Equal(t, errors.ErrorNoData, errors.CodeOf(err))
}

func TestProcessStoresReport(t *testing.T) {
	dir := t.TempDir()
	local, err := storage.NewLocalReportStore(dir)
	require.NoError(t, err)
	sm := storage.NewStorageManager(storage.Backends{Reports: local}, logging.Nop())

	p := newPipeline(t, PipelineConfig{Storage: sm})
	res, err := p.ProcessDetections(context.Background(), &DetectionRequest{Detections: revenueDetections()})
	require.NoError(t, err)
	require.NotNil(t, res.ReportLocation)
	assert.Empty(t, res.StorageError)
	assert.Contains(t, res.TimingsMs, StageStore)

	raw, err := os.ReadFile(filepath.Join(dir, res.ReportName))
	require.NoError(t, err)
	assert.Equal(t, res.Report, raw)
}

func TestDetectImageFormat(t *testing.T) {
	tests := []struct {
		data []byte
		want string
	}{
		{pngHeader, "image/png"},
		{[]byte{0xFF, 0xD8, 0xFF, 0xE0}, "image/jpeg"},
		{[]byte("GIF89a.."), "image/gif"},
		{[]byte("RIFF\x00\x00\x00\x00WEBPVP8 "), "image/webp"},
		{[]byte{0x49, 0x49, 0x2A, 0x00, 0x08}, "image/tiff"},
		{[]byte{0x4D, 0x4D, 0x00, 0x2A, 0x00}, "image/tiff"},
		{[]byte("BM\x00\x00\x00\x00"), "image/bmp"},
		{[]byte("%PDF-1.4"), "application/pdf"},
		{[]byte("PK\x03\x04"), ""},
		{nil, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DetectImageFormat(tt.data))
	}
	assert.True(t, IsSupportedImage("image/png"))
	assert.False(t, IsSupportedImage("application/pdf"))
}
