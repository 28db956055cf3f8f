package mocks

//go:generate mockery --name ClickAppender --srcpkg github.com/aevon-lab/linkpulse/internal/ingestion --output ./ingestion --outpkg ingestionmocks --with-expecter
//go:generate mockery --name EvaluationSubmitter --srcpkg github.com/aevon-lab/linkpulse/internal/ingestion --output ./ingestion --outpkg ingestionmocks --with-expecter
