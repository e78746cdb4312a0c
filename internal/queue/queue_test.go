package queue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/tableanalyst-worker/internal/analysis"
	"github.com/adverant/nexus/tableanalyst-worker/internal/dataset"
	"github.com/adverant/nexus/tableanalyst-worker/internal/errors"
	"github.com/adverant/nexus/tableanalyst-worker/internal/processor"
	"github.com/adverant/nexus/tableanalyst-worker/internal/storage"
)

func TestJobPayloadBase64(t *testing.T) {
	raw := fmt.Sprintf(`{"jobId":"j1","chatId":42,"filename":"t.png","fileBuffer":%q}`,
		base64.StdEncoding.EncodeToString([]byte{1, 2, 3}))

	var p JobPayload
	require.NoError(t, json.Unmarshal([]byte(raw), &p))
	assert.Equal(t, "j1", p.JobID)
	assert.Equal(t, int64(42), p.ChatID)
	assert.Equal(t, []byte{1, 2, 3}, p.FileBuffer)
	assert.NoError(t, p.Validate())
}

func TestJobPayloadNodeBuffer(t *testing.T) {
	raw := `{"jobId":"j2","fileBuffer":{"type":"Buffer","data":[137,80,78,71]}}`

	var p JobPayload
	require.NoError(t, json.Unmarshal([]byte(raw), &p))
	assert.Equal(t, []byte{137, 80, 78, 71}, p.FileBuffer)
}

func TestJobPayloadRejectsBadBuffers(t *testing.T) {
	tests := map[string]string{
		"bad base64":     `{"jobId":"j","fileBuffer":"***"}`,
		"wrong type":     `{"jobId":"j","fileBuffer":{"type":"Blob","data":[1]}}`,
		"missing data":   `{"jobId":"j","fileBuffer":{"type":"Buffer"}}`,
		"byte too large": `{"jobId":"j","fileBuffer":{"type":"Buffer","data":[256]}}`,
		"number":         `{"jobId":"j","fileBuffer":12}`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			var p JobPayload
			assert.Error(t, json.Unmarshal([]byte(raw), &p))
		})
	}
}

func TestJobPayloadRoundTripKeepsImage(t *testing.T) {
	in := JobPayload{JobID: "j3", Filename: "a.jpg", FileBuffer: []byte{0xFF, 0xD8, 0xFF}}
	body, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"fileBuffer":"/9j/"`)

	var out JobPayload
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, in.FileBuffer, out.FileBuffer)
	assert.Equal(t, "a.jpg", out.Filename)
}

func TestJobPayloadDetections(t *testing.T) {
	raw := `{"jobId":"j4","detections":[{"text":"Revenue","confidence":0.9,"box":[[0,0],[10,0],[10,10],[0,10]]}]}`

	var p JobPayload
	require.NoError(t, json.Unmarshal([]byte(raw), &p))
	require.Len(t, p.Detections, 1)
	assert.Equal(t, "Revenue", p.Detections[0].Text)
	assert.NoError(t, p.Validate())
}

func TestValidate(t *testing.T) {
	assert.Error(t, (&JobPayload{}).Validate())
	assert.Error(t, (&JobPayload{JobID: "j"}).Validate())
}

func TestNewAnalyzeTableTask(t *testing.T) {
	task, err := NewAnalyzeTableTask(&JobPayload{JobID: "j5", FileBuffer: []byte{1}})
	require.NoError(t, err)
	assert.Equal(t, TaskTypeAnalyzeTable, task.Type())

	var back JobPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &back))
	assert.Equal(t, []byte{1}, back.FileBuffer)

	_, err = NewAnalyzeTableTask(&JobPayload{JobID: "empty"})
	assert.Error(t, err)
}

type recordingProcessor struct {
	image      *processor.ProcessRequest
	detections *processor.DetectionRequest
	deadline   bool
}

func (r *recordingProcessor) ProcessImage(ctx context.Context, req *processor.ProcessRequest) (*processor.ProcessResult, error) {
	r.image = req
	_, r.deadline = ctx.Deadline()
	return &processor.ProcessResult{JobID: req.JobID}, nil
}

func (r *recordingProcessor) ProcessDetections(ctx context.Context, req *processor.DetectionRequest) (*processor.ProcessResult, error) {
	r.detections = req
	_, r.deadline = ctx.Deadline()
	return &processor.ProcessResult{JobID: req.JobID}, nil
}

func TestProcessDispatch(t *testing.T) {
	rp := &recordingProcessor{}
	_, err := process(context.Background(), rp, &JobPayload{JobID: "img", FileBuffer: []byte{1}}, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, rp.image)
	assert.Equal(t, "queue", rp.image.Source)
	assert.True(t, rp.deadline)

	rp = &recordingProcessor{}
	_, err = process(context.Background(), rp, &JobPayload{
		JobID:      "det",
		Source:     "api",
		Detections: []processor.Detection{{Text: "x"}},
	}, 0)
	require.NoError(t, err)
	require.NotNil(t, rp.detections)
	assert.Nil(t, rp.image)
	assert.Equal(t, "api", rp.detections.Source)
	assert.False(t, rp.deadline)
}

func TestPermanent(t *testing.T) {
	assert.True(t, permanent(errors.NewNoDataError("j")))
	assert.True(t, permanent(fmt.Errorf("wrapped: %w", errors.NewUnsupportedFormatError("j", "application/pdf"))))
	assert.True(t, permanent(errors.NewFileTooLargeError("j", 10, 1)))
	assert.False(t, permanent(errors.NewOCRFailedError("j", "tesseract", fmt.Errorf("boom"))))
	assert.False(t, permanent(fmt.Errorf("network")))
}

func TestSummarize(t *testing.T) {
	tbl := dataset.New([]string{"Month", "Revenue"}, [][]string{{"Jan", "1"}, {"Feb", "2"}})
	res := &processor.ProcessResult{
		JobID:          "j6",
		AssemblyKind:   processor.AssemblyStructured,
		Table:          tbl,
		Insights:       []analysis.Insight{{Text: "a"}, {Text: "b"}},
		ReportName:     "r.xlsx",
		ReportLocation: &storage.ReportLocation{URL: "https://example/r.xlsx"},
		ProcessingTime: 1500 * time.Millisecond,
	}

	s := summarize(res)
	assert.Equal(t, "structured", s.AssemblyKind)
	assert.Equal(t, 2, s.Rows)
	assert.Equal(t, 2, s.Columns)
	assert.Equal(t, []string{"a", "b"}, s.Insights)
	assert.Equal(t, "https://example/r.xlsx", s.ReportURL)
	assert.Equal(t, int64(1500), s.ProcessingTimeMs)
}

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, 5*time.Second, retryDelay(0, nil, nil))
	assert.Equal(t, 20*time.Second, retryDelay(2, nil, nil))
	assert.Equal(t, 40*time.Second, retryDelay(3, nil, nil))
	assert.Equal(t, 60*time.Second, retryDelay(10, nil, nil))
}
