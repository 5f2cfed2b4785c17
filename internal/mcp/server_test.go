package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labqc-server/internal/domain"
	"github.com/labqc-server/internal/memstore"
	"github.com/labqc-server/internal/notification"
	"github.com/labqc-server/internal/service"
)

type fixture struct {
	server   *Server
	hook     *test.Hook
	material *domain.QCMaterial
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger, hook := test.NewNullLogger()
	store := memstore.New()
	notifier := notification.NewLogNotifier(logger)

	qc := service.NewQCService(
		store.Materials(),
		store.Runs(),
		store.Analytes(),
		service.NewRejectionNotifier(notifier, notifier, logger),
		nil,
		nil,
		service.QCSettings{TargetSource: domain.TargetFixed, HistoryWindow: 12},
		logger,
	)
	engine := service.Engine{
		Results:  service.NewResultService(store.Results(), store.Analytes(), notifier, nil, logger),
		Analytes: service.NewAnalyteService(store.Analytes(), qc, logger),
		QC:       qc,
	}

	ctx := context.Background()
	_, err := engine.Analytes.Register(ctx, &domain.Analyte{
		TestCode:       "K",
		Name:           "Potassium",
		Unit:           "mmol/L",
		ReferenceRange: domain.ReferenceRange{Low: domain.Float(3.5), High: domain.Float(5.1)},
		CriticalRange:  domain.CriticalRange{Low: domain.Float(2.5), High: domain.Float(6.5)},
	})
	require.NoError(t, err)

	material, err := engine.QC.CreateMaterial(ctx, &domain.QCMaterial{
		LotNumber: "LOT-K-1",
		Level:     1,
		Analytes:  []domain.AnalyteQCTarget{{TestCode: "K", Mean: 4.0, SD: 0.1}},
	})
	require.NoError(t, err)

	return &fixture{
		server:   NewServer(engine, "test", logger),
		hook:     hook,
		material: material,
	}
}

func textOf(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func decodeResult[T any](t *testing.T, res *mcp.CallToolResult) T {
	t.Helper()
	require.False(t, res.IsError, textOf(t, res))
	var out T
	require.NoError(t, json.Unmarshal([]byte(textOf(t, res)), &out))
	return out
}

func TestNewServer(t *testing.T) {
	f := newFixture(t)
	assert.NotNil(t, f.server.mcpServer)

	var registered bool
	for _, e := range f.hook.AllEntries() {
		if e.Message == "Registered MCP tools" {
			registered = true
		}
	}
	assert.True(t, registered)
}

func TestRunRejectsUnknownTransport(t *testing.T) {
	f := newFixture(t)
	err := f.server.Run(context.Background(), "websocket", 0)
	assert.ErrorContains(t, err, "unsupported transport type")
}

func TestFlagValuesTool(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, _, err := f.server.handleFlagValues(ctx, nil, FlagValuesArgs{Values: []ValueArg{
		{TestCode: "K", Value: "7.1"},
		{TestCode: "K", Value: ">6"},
		{TestCode: "K", Value: "hemolyzed"},
	}})
	require.NoError(t, err)
	out := decodeResult[map[string][]domain.ReportedValue](t, res)["values"]
	require.Len(t, out, 3)
	assert.Equal(t, domain.FlagCriticalHigh, out[0].Flag)
	assert.Equal(t, domain.FlagHigh, out[1].Flag)
	assert.Equal(t, domain.IssueInvalidValue, out[2].Issue)

	res, _, err = f.server.handleFlagValues(ctx, nil, FlagValuesArgs{})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, textOf(t, res), domain.ErrValidation)
}

func TestResultTools(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, _, err := f.server.handleSubmitResult(ctx, nil, SubmitResultArgs{
		SampleID:    "S-1",
		TestID:      "BMP",
		PatientID:   "P-1",
		PerformedBy: "tech-1",
		Values:      []ValueArg{{TestCode: "K", Value: "2.1"}},
	})
	require.NoError(t, err)
	result := decodeResult[domain.Result](t, res)
	assert.True(t, result.HasCriticalValues)
	assert.NotNil(t, result.EscalatedAt)

	res, _, err = f.server.handleEvaluateResult(ctx, nil, ResultArgs{ResultID: result.ID})
	require.NoError(t, err)
	assert.Equal(t, result.EscalatedAt.Unix(), decodeResult[domain.Result](t, res).EscalatedAt.Unix())

	res, _, err = f.server.handleVerifyResult(ctx, nil, VerifyResultArgs{ResultID: result.ID, VerifiedBy: "dr-k"})
	require.NoError(t, err)
	assert.Equal(t, domain.ResultCompleted, decodeResult[domain.Result](t, res).Status)

	res, _, err = f.server.handleVerifyResult(ctx, nil, VerifyResultArgs{ResultID: result.ID, VerifiedBy: "dr-k"})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, textOf(t, res), domain.ErrAlreadyVerifiedKey)

	res, _, err = f.server.handleGetResult(ctx, nil, ResultArgs{ResultID: "missing"})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, textOf(t, res), domain.ErrNotFoundCode)

	res, _, err = f.server.handleGetAnalyte(ctx, nil, AnalyteArgs{TestCode: "K"})
	require.NoError(t, err)
	assert.Equal(t, "Potassium", decodeResult[domain.Analyte](t, res).Name)
}

func TestQCTools(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	day := time.Date(2026, 4, 1, 7, 0, 0, 0, time.UTC)

	var lastID string
	for i, v := range []float64{4.0, 4.05, 3.95} {
		res, _, err := f.server.handleRecordQCRun(ctx, nil, RecordQCRunArgs{
			MaterialID: f.material.ID,
			TestCode:   "K",
			Value:      v,
			RunDate:    day.Add(time.Duration(i) * time.Hour).Format(time.RFC3339),
		})
		require.NoError(t, err)
		run := decodeResult[domain.QCRun](t, res)
		assert.Equal(t, domain.RunAccept, run.Status)
		lastID = run.ID
	}

	res, _, err := f.server.handleRecordQCRun(ctx, nil, RecordQCRunArgs{MaterialID: f.material.ID, TestCode: "K", Value: 4, RunDate: "yesterday"})
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, _, err = f.server.handleReviewQCRun(ctx, nil, ReviewQCRunArgs{RunID: lastID, ReviewedBy: "sup", Disposition: "reject", Comments: "drift on analyzer 2"})
	require.NoError(t, err)
	assert.Equal(t, domain.RunReject, decodeResult[domain.QCRun](t, res).Disposition())

	res, _, err = f.server.handleLeveyJennings(ctx, nil, RunKeyArgs{MaterialID: f.material.ID, TestCode: "K"})
	require.NoError(t, err)
	lj := decodeResult[domain.LeveyJenningsData](t, res)
	require.NotNil(t, lj.Limits)
	assert.InDelta(t, 4.3, lj.Limits.UCL, 1e-9)
	assert.Len(t, lj.Points, 3)

	res, _, err = f.server.handleStatistics(ctx, nil, RunKeyArgs{MaterialID: f.material.ID, TestCode: "K"})
	require.NoError(t, err)
	assert.Equal(t, 2, decodeResult[domain.QCStatistics](t, res).N, "rejected runs leave the statistics")

	res, _, err = f.server.handleListMaterials(ctx, nil, ListMaterialsArgs{})
	require.NoError(t, err)
	assert.Len(t, decodeResult[map[string][]domain.QCMaterial](t, res)["materials"], 1)
}

func TestToolErrorHidesInternalDetail(t *testing.T) {
	f := newFixture(t)
	res := f.server.toolError("get_result", assert.AnError)

	assert.True(t, res.IsError)
	assert.Equal(t, domain.ErrInternalServer+": internal server error", textOf(t, res))
	last := f.hook.LastEntry()
	require.NotNil(t, last)
	assert.Equal(t, logrus.ErrorLevel, last.Level)
}
