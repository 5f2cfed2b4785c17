package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/labqc-server/internal/chart"
	"github.com/labqc-server/internal/domain"
)

// chartCSP lets the rendered chart page load the echarts assets and run its inline
// bootstrap script.
const chartCSP = "default-src 'self'; script-src 'self' 'unsafe-inline' https://go-echarts.github.io; style-src 'self' 'unsafe-inline'; img-src 'self' data:"

type flagRequest struct {
	Values []domain.ValueInput `json:"values" binding:"required,min=1,dive"`
}

type verifyRequest struct {
	VerifiedBy       string `json:"verified_by" binding:"required"`
	Comments         string `json:"comments"`
	ConfirmUnflagged bool   `json:"confirm_unflagged"`
}

type targetsRequest struct {
	Analytes []domain.AnalyteQCTarget `json:"analytes" binding:"required"`
}

type retireRequest struct {
	Actor string `json:"actor" binding:"required"`
}

type recordRunRequest struct {
	TestCode    string             `json:"test_code" binding:"required"`
	Value       *float64           `json:"value" binding:"required"`
	RunDate     *time.Time         `json:"run_date"`
	Shift       string             `json:"shift"`
	AnalyzerID  string             `json:"analyzer_id"`
	PerformedBy string             `json:"performed_by"`
	Environment domain.Environment `json:"environment"`
}

type reviewRequest struct {
	ReviewedBy  string           `json:"reviewed_by" binding:"required"`
	Disposition domain.RunStatus `json:"disposition" binding:"required"`
	Comments    string           `json:"comments"`
}

func (s *Server) handleFlagValues(c *gin.Context) {
	var req flagRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}
	values, err := s.services.Results.FlagValues(c.Request.Context(), req.Values)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"values": values})
}

func (s *Server) handleSubmitResult(c *gin.Context) {
	var submission domain.ResultSubmission
	if err := c.ShouldBindJSON(&submission); err != nil {
		respondBadRequest(c, err)
		return
	}
	result, err := s.services.Results.SubmitResult(c.Request.Context(), &submission)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (s *Server) handleGetResult(c *gin.Context) {
	result, err := s.services.Results.GetResult(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleVerifyResult(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}
	result, err := s.services.Results.VerifyResult(c.Request.Context(), c.Param("id"), req.VerifiedBy, req.Comments, req.ConfirmUnflagged)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleEvaluateResult(c *gin.Context) {
	result, err := s.services.Results.ReevaluateResult(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleListPatientResults(c *gin.Context) {
	limit, err := queryInt(c, "limit", 50)
	if err != nil {
		respondBadRequest(c, err)
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		respondBadRequest(c, err)
		return
	}
	results, err := s.services.Results.ListPatientResults(c.Request.Context(), c.Param("patient_id"), limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "limit": limit, "offset": offset})
}

func (s *Server) handlePutAnalyte(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		respondBadRequest(c, err)
		return
	}
	analyte, err := s.services.Analytes.RegisterJSON(c.Request.Context(), body)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, analyte)
}

func (s *Server) handleGetAnalyte(c *gin.Context) {
	analyte, err := s.services.Analytes.Get(c.Request.Context(), c.Param("code"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, analyte)
}

func (s *Server) handleListAnalytes(c *gin.Context) {
	analytes, err := s.services.Analytes.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"analytes": analytes})
}

func (s *Server) handleCreateMaterial(c *gin.Context) {
	var material domain.QCMaterial
	if err := c.ShouldBindJSON(&material); err != nil {
		respondBadRequest(c, err)
		return
	}
	created, err := s.services.QC.CreateMaterial(c.Request.Context(), &material)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) handleListMaterials(c *gin.Context) {
	includeRetired := c.Query("include_retired") == "true"
	materials, err := s.services.QC.ListMaterials(c.Request.Context(), includeRetired)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"materials": materials})
}

func (s *Server) handleGetMaterial(c *gin.Context) {
	material, err := s.services.QC.GetMaterial(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, material)
}

func (s *Server) handleUpdateTargets(c *gin.Context) {
	var req targetsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}
	material, err := s.services.QC.UpdateMaterialTargets(c.Request.Context(), c.Param("id"), req.Analytes)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, material)
}

func (s *Server) handleRetireMaterial(c *gin.Context) {
	var req retireRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}
	material, err := s.services.QC.RetireMaterial(c.Request.Context(), c.Param("id"), req.Actor)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, material)
}

func (s *Server) handleRecordRun(c *gin.Context) {
	var req recordRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}
	rc := domain.RunContext{
		Shift:       req.Shift,
		AnalyzerID:  req.AnalyzerID,
		PerformedBy: req.PerformedBy,
		Environment: req.Environment,
	}
	if req.RunDate != nil {
		rc.RunDate = req.RunDate.UTC()
	}
	run, err := s.services.QC.RecordQCRun(c.Request.Context(), c.Param("id"), req.TestCode, *req.Value, rc)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, run)
}

func (s *Server) handleGetRun(c *gin.Context) {
	run, err := s.services.QC.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) handleReviewRun(c *gin.Context) {
	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, err)
		return
	}
	run, err := s.services.QC.ReviewQCRun(c.Request.Context(), c.Param("id"), req.ReviewedBy, req.Disposition, req.Comments)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) handleLeveyJennings(c *gin.Context) {
	data, err := s.services.QC.GetLeveyJenningsData(c.Request.Context(), c.Param("id"), c.Param("code"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, data)
}

func (s *Server) handleChart(c *gin.Context) {
	data, err := s.services.QC.GetLeveyJenningsData(c.Request.Context(), c.Param("id"), c.Param("code"))
	if err != nil {
		respondError(c, err)
		return
	}
	page, err := chart.HTML(data)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Header("Content-Security-Policy", chartCSP)
	c.Data(http.StatusOK, "text/html; charset=utf-8", page)
}

func (s *Server) handleStatistics(c *gin.Context) {
	stats, err := s.services.QC.Statistics(c.Request.Context(), c.Param("id"), c.Param("code"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// queryInt parses a non-negative integer query parameter.
func queryInt(c *gin.Context, name string, fallback int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, domain.NewValidationError(name, "must be a non-negative integer", raw)
	}
	return n, nil
}
