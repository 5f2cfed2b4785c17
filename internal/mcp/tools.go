package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/labqc-server/internal/domain"
)

// ValueArg is one submitted measurement. Values are text so censored forms such as
// "<0.5" pass through unchanged.
type ValueArg struct {
	TestCode string `json:"test_code" jsonschema:"analyte test code, e.g. GLU"`
	Value    string `json:"value" jsonschema:"reported value as text, e.g. 5.2, <0.5 or POSITIVE"`
	Unit     string `json:"unit,omitempty" jsonschema:"unit of the value; defaults to the analyte unit"`
}

// FlagValuesArgs are the arguments of flag_values.
type FlagValuesArgs struct {
	Values []ValueArg `json:"values" jsonschema:"values to flag"`
}

// SubmitResultArgs are the arguments of submit_result.
type SubmitResultArgs struct {
	SampleID    string     `json:"sample_id" jsonschema:"sample identifier"`
	TestID      string     `json:"test_id" jsonschema:"ordered test or panel identifier"`
	PatientID   string     `json:"patient_id" jsonschema:"patient identifier"`
	PerformedBy string     `json:"performed_by,omitempty" jsonschema:"technologist who ran the test"`
	Values      []ValueArg `json:"values" jsonschema:"reported values"`
}

// ResultArgs identify a stored result.
type ResultArgs struct {
	ResultID string `json:"result_id" jsonschema:"result identifier"`
}

// VerifyResultArgs are the arguments of verify_result.
type VerifyResultArgs struct {
	ResultID         string `json:"result_id" jsonschema:"result identifier"`
	VerifiedBy       string `json:"verified_by" jsonschema:"verifier identifier"`
	Comments         string `json:"comments,omitempty" jsonschema:"verification comments"`
	ConfirmUnflagged bool   `json:"confirm_unflagged,omitempty" jsonschema:"accept values that could not be flagged"`
}

// RecordQCRunArgs are the arguments of record_qc_run.
type RecordQCRunArgs struct {
	MaterialID  string  `json:"material_id" jsonschema:"control material identifier"`
	TestCode    string  `json:"test_code" jsonschema:"analyte test code"`
	Value       float64 `json:"value" jsonschema:"measured control value"`
	RunDate     string  `json:"run_date,omitempty" jsonschema:"RFC 3339 run timestamp; defaults to now"`
	Shift       string  `json:"shift,omitempty" jsonschema:"shift label"`
	AnalyzerID  string  `json:"analyzer_id,omitempty" jsonschema:"analyzer identifier"`
	PerformedBy string  `json:"performed_by,omitempty" jsonschema:"technologist who ran the control"`
}

// ReviewQCRunArgs are the arguments of review_qc_run.
type ReviewQCRunArgs struct {
	RunID       string `json:"run_id" jsonschema:"QC run identifier"`
	ReviewedBy  string `json:"reviewed_by" jsonschema:"supervisor identifier"`
	Disposition string `json:"disposition" jsonschema:"accept or reject"`
	Comments    string `json:"comments,omitempty" jsonschema:"review comments"`
}

// RunKeyArgs identify the QC history of one analyte on one material.
type RunKeyArgs struct {
	MaterialID string `json:"material_id" jsonschema:"control material identifier"`
	TestCode   string `json:"test_code" jsonschema:"analyte test code"`
}

// ListMaterialsArgs are the arguments of list_materials.
type ListMaterialsArgs struct {
	IncludeRetired bool `json:"include_retired,omitempty" jsonschema:"include retired lots"`
}

// AnalyteArgs identify an analyte.
type AnalyteArgs struct {
	TestCode string `json:"test_code" jsonschema:"analyte test code"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "flag_values",
		Description: "Flag values against the configured reference and critical ranges without storing them",
	}, s.handleFlagValues)
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "submit_result",
		Description: "Submit a patient result; values are flagged and critical values escalated",
	}, s.handleSubmitResult)
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "get_result",
		Description: "Fetch a stored patient result",
	}, s.handleGetResult)
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "evaluate_result",
		Description: "Re-flag a pending result against the current analyte configuration",
	}, s.handleEvaluateResult)
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "verify_result",
		Description: "Verify a pending result, completing it",
	}, s.handleVerifyResult)
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "get_analyte",
		Description: "Fetch an analyte definition",
	}, s.handleGetAnalyte)
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "list_materials",
		Description: "List QC control material lots",
	}, s.handleListMaterials)
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "record_qc_run",
		Description: "Record a QC control value and evaluate it with the Westgard multi-rules",
	}, s.handleRecordQCRun)
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "review_qc_run",
		Description: "Record a supervisor disposition for a QC run",
	}, s.handleReviewQCRun)
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "levey_jennings",
		Description: "Project the QC history of an analyte on a material onto Levey-Jennings control limits",
	}, s.handleLeveyJennings)
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "qc_statistics",
		Description: "Compute running mean, SD and CV over the usable QC runs",
	}, s.handleStatistics)

	s.logger.WithField("tool_count", 11).Info("Registered MCP tools")
}

func (s *Server) handleFlagValues(ctx context.Context, _ *mcp.CallToolRequest, args FlagValuesArgs) (*mcp.CallToolResult, any, error) {
	if len(args.Values) == 0 {
		return s.toolError("flag_values", domain.NewValidationError("values", "at least one value is required", nil)), nil, nil
	}
	values, err := s.engine.Results.FlagValues(ctx, valueInputs(args.Values))
	if err != nil {
		return s.toolError("flag_values", err), nil, nil
	}
	return jsonResult(map[string]any{"values": values})
}

func (s *Server) handleSubmitResult(ctx context.Context, _ *mcp.CallToolRequest, args SubmitResultArgs) (*mcp.CallToolResult, any, error) {
	result, err := s.engine.Results.SubmitResult(ctx, &domain.ResultSubmission{
		SampleID:    args.SampleID,
		TestID:      args.TestID,
		PatientID:   args.PatientID,
		PerformedBy: args.PerformedBy,
		Values:      valueInputs(args.Values),
	})
	if err != nil {
		return s.toolError("submit_result", err), nil, nil
	}
	return jsonResult(result)
}

func (s *Server) handleGetResult(ctx context.Context, _ *mcp.CallToolRequest, args ResultArgs) (*mcp.CallToolResult, any, error) {
	result, err := s.engine.Results.GetResult(ctx, args.ResultID)
	if err != nil {
		return s.toolError("get_result", err), nil, nil
	}
	return jsonResult(result)
}

func (s *Server) handleEvaluateResult(ctx context.Context, _ *mcp.CallToolRequest, args ResultArgs) (*mcp.CallToolResult, any, error) {
	result, err := s.engine.Results.ReevaluateResult(ctx, args.ResultID)
	if err != nil {
		return s.toolError("evaluate_result", err), nil, nil
	}
	return jsonResult(result)
}

func (s *Server) handleVerifyResult(ctx context.Context, _ *mcp.CallToolRequest, args VerifyResultArgs) (*mcp.CallToolResult, any, error) {
	result, err := s.engine.Results.VerifyResult(ctx, args.ResultID, args.VerifiedBy, args.Comments, args.ConfirmUnflagged)
	if err != nil {
		return s.toolError("verify_result", err), nil, nil
	}
	return jsonResult(result)
}

func (s *Server) handleGetAnalyte(ctx context.Context, _ *mcp.CallToolRequest, args AnalyteArgs) (*mcp.CallToolResult, any, error) {
	analyte, err := s.engine.Analytes.Get(ctx, args.TestCode)
	if err != nil {
		return s.toolError("get_analyte", err), nil, nil
	}
	return jsonResult(analyte)
}

func (s *Server) handleListMaterials(ctx context.Context, _ *mcp.CallToolRequest, args ListMaterialsArgs) (*mcp.CallToolResult, any, error) {
	materials, err := s.engine.QC.ListMaterials(ctx, args.IncludeRetired)
	if err != nil {
		return s.toolError("list_materials", err), nil, nil
	}
	return jsonResult(map[string]any{"materials": materials})
}

func (s *Server) handleRecordQCRun(ctx context.Context, _ *mcp.CallToolRequest, args RecordQCRunArgs) (*mcp.CallToolResult, any, error) {
	rc := domain.RunContext{
		Shift:       args.Shift,
		AnalyzerID:  args.AnalyzerID,
		PerformedBy: args.PerformedBy,
	}
	if args.RunDate != "" {
		at, err := time.Parse(time.RFC3339, args.RunDate)
		if err != nil {
			return s.toolError("record_qc_run", domain.NewValidationError("run_date", "must be an RFC 3339 timestamp", args.RunDate)), nil, nil
		}
		rc.RunDate = at.UTC()
	}
	run, err := s.engine.QC.RecordQCRun(ctx, args.MaterialID, args.TestCode, args.Value, rc)
	if err != nil {
		return s.toolError("record_qc_run", err), nil, nil
	}
	return jsonResult(run)
}

func (s *Server) handleReviewQCRun(ctx context.Context, _ *mcp.CallToolRequest, args ReviewQCRunArgs) (*mcp.CallToolResult, any, error) {
	run, err := s.engine.QC.ReviewQCRun(ctx, args.RunID, args.ReviewedBy, domain.RunStatus(args.Disposition), args.Comments)
	if err != nil {
		return s.toolError("review_qc_run", err), nil, nil
	}
	return jsonResult(run)
}

func (s *Server) handleLeveyJennings(ctx context.Context, _ *mcp.CallToolRequest, args RunKeyArgs) (*mcp.CallToolResult, any, error) {
	data, err := s.engine.QC.GetLeveyJenningsData(ctx, args.MaterialID, args.TestCode)
	if err != nil {
		return s.toolError("levey_jennings", err), nil, nil
	}
	return jsonResult(data)
}

func (s *Server) handleStatistics(ctx context.Context, _ *mcp.CallToolRequest, args RunKeyArgs) (*mcp.CallToolResult, any, error) {
	stats, err := s.engine.QC.Statistics(ctx, args.MaterialID, args.TestCode)
	if err != nil {
		return s.toolError("qc_statistics", err), nil, nil
	}
	return jsonResult(stats)
}

func valueInputs(args []ValueArg) []domain.ValueInput {
	inputs := make([]domain.ValueInput, 0, len(args))
	for _, a := range args {
		inputs = append(inputs, domain.ValueInput{
			TestCode: a.TestCode,
			Value:    domain.RawValue(a.Value),
			Unit:     a.Unit,
		})
	}
	return inputs
}

// jsonResult renders v as the text content of a successful tool call.
func jsonResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode tool result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}

// toolError reports err to the client as a failed tool call. Internal errors hide their
// detail.
func (s *Server) toolError(tool string, err error) *mcp.CallToolResult {
	code := domain.ErrorCode(err)
	entry := s.logger.WithFields(logrus.Fields{"tool": tool, "code": code}).WithError(err)

	message := err.Error()
	if code == domain.ErrInternalServer {
		entry.Error("Tool call failed")
		message = "internal server error"
	} else {
		entry.Warn("Tool call rejected")
	}
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("%s: %s", code, message)}},
	}
}
