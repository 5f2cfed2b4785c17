package service

// Engine bundles the services exposed by every transport.
type Engine struct {
	Results  *ResultService
	QC       *QCService
	Analytes *AnalyteService
}
