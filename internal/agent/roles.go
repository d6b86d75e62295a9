package agent

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/webcheck/internal/evidence"
	"github.com/sells-group/webcheck/internal/extract"
	"github.com/sells-group/webcheck/internal/judge"
	"github.com/sells-group/webcheck/internal/model"
	"github.com/sells-group/webcheck/internal/resilience"
	"github.com/sells-group/webcheck/internal/store"
)

// Navigator loads a target page.
type Navigator interface {
	Navigate(ctx context.Context, url, waitSelector string) (model.NavigationResult, error)
}

// FieldLocator finds a field in a page's screenshot text.
type FieldLocator interface {
	Read(ctx context.Context, page *model.Page, m model.FieldMapping, expected string) (model.Extraction, error)
}

func payload[T any](task model.Task) (T, error) {
	p, ok := task.Payload.(T)
	if !ok {
		var zero T
		return zero, resilience.NewConfigurationError("%s task %s: unexpected payload %T", task.Role, task.ID, task.Payload)
	}
	return p, nil
}

// NavigatorAgent drives the browser collaborator.
type NavigatorAgent struct {
	nav Navigator
}

// NewNavigatorAgent creates the navigator role.
func NewNavigatorAgent(nav Navigator) *NavigatorAgent {
	return &NavigatorAgent{nav: nav}
}

func (a *NavigatorAgent) Role() model.Role { return model.RoleNavigator }

// Execute loads the page. A non-2xx result comes back as an error together
// with the navigation result.
func (a *NavigatorAgent) Execute(ctx context.Context, task model.Task) (model.Outcome, error) {
	p, err := payload[model.NavigatePayload](task)
	if err != nil {
		return model.Outcome{}, err
	}
	if p.URL == "" {
		return model.Outcome{}, resilience.NewConfigurationError("navigator task %s: empty url", task.ID)
	}
	res, err := a.nav.Navigate(ctx, p.URL, p.WaitSelector)
	return model.Outcome{Result: res}, err
}

// ExtractorAgent reads fields from page markup.
type ExtractorAgent struct {
	x extract.Extractor
}

// NewExtractorAgent creates the extractor role.
func NewExtractorAgent(x extract.Extractor) *ExtractorAgent {
	return &ExtractorAgent{x: x}
}

func (a *ExtractorAgent) Role() model.Role { return model.RoleExtractor }

func (a *ExtractorAgent) Execute(ctx context.Context, task model.Task) (model.Outcome, error) {
	p, err := payload[model.ExtractPayload](task)
	if err != nil {
		return model.Outcome{}, err
	}
	if p.Page == nil {
		return model.Outcome{}, resilience.NewConfigurationError("extractor task %s: no page", task.ID)
	}
	ex, err := a.x.Extract(ctx, p.Page, p.Mapping)
	if err != nil {
		return model.Outcome{}, eris.Wrapf(err, "agent: extract %s", p.Mapping.Field)
	}
	return model.Outcome{Result: ex}, nil
}

// OCRAgent locates fields in screenshot text.
type OCRAgent struct {
	reader FieldLocator
}

// NewOCRAgent creates the OCR specialist role.
func NewOCRAgent(reader FieldLocator) *OCRAgent {
	return &OCRAgent{reader: reader}
}

func (a *OCRAgent) Role() model.Role { return model.RoleOCRSpecialist }

func (a *OCRAgent) Execute(ctx context.Context, task model.Task) (model.Outcome, error) {
	p, err := payload[model.OCRPayload](task)
	if err != nil {
		return model.Outcome{}, err
	}
	ex, err := a.reader.Read(ctx, p.Page, p.Mapping, p.Expected)
	if err != nil {
		return model.Outcome{}, eris.Wrapf(err, "agent: ocr %s", p.Mapping.Field)
	}
	return model.Outcome{Result: ex}, nil
}

// ValidatorAgent asks the semantic judge whether two values match. Each
// call is bounded by timeout.
type ValidatorAgent struct {
	judge   judge.Judge
	timeout time.Duration
}

// NewValidatorAgent creates the validator role. A zero timeout means 20s.
func NewValidatorAgent(j judge.Judge, timeout time.Duration) *ValidatorAgent {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &ValidatorAgent{judge: j, timeout: timeout}
}

func (a *ValidatorAgent) Role() model.Role { return model.RoleValidator }

func (a *ValidatorAgent) Execute(ctx context.Context, task model.Task) (model.Outcome, error) {
	p, err := payload[model.JudgePayload](task)
	if err != nil {
		return model.Outcome{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	j, err := a.judge.Judge(ctx, p.Expected, p.Observed, p.Mapping.Type)
	if err != nil {
		return model.Outcome{}, eris.Wrapf(err, "agent: judge %s", p.Mapping.Field)
	}
	return model.Outcome{Result: j}, nil
}

// EvidenceAgent hands artifacts to the evidence sink.
type EvidenceAgent struct {
	sink evidence.Sink
}

// NewEvidenceAgent creates the evidence collector role.
func NewEvidenceAgent(sink evidence.Sink) *EvidenceAgent {
	return &EvidenceAgent{sink: sink}
}

func (a *EvidenceAgent) Role() model.Role { return model.RoleEvidenceCollector }

func (a *EvidenceAgent) Execute(ctx context.Context, task model.Task) (model.Outcome, error) {
	p, err := payload[model.EvidencePayload](task)
	if err != nil {
		return model.Outcome{}, err
	}
	ref, err := a.sink.Collect(ctx, p)
	if err != nil {
		return model.Outcome{}, eris.Wrapf(err, "agent: collect evidence for %s", p.RowID)
	}
	return model.Outcome{Result: ref}, nil
}

// CoordinatorAgent persists finalized rows and dead-letters failed ones.
type CoordinatorAgent struct {
	store      store.Store
	maxRetries int
	nowFunc    func() time.Time
}

// NewCoordinatorAgent creates the coordinator role. maxRetries is the
// replay budget given to new dead-letter entries.
func NewCoordinatorAgent(st store.Store, maxRetries int) *CoordinatorAgent {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &CoordinatorAgent{store: st, maxRetries: maxRetries, nowFunc: time.Now}
}

func (a *CoordinatorAgent) Role() model.Role { return model.RoleCoordinator }

func (a *CoordinatorAgent) Execute(ctx context.Context, task model.Task) (model.Outcome, error) {
	p, err := payload[model.RecordPayload](task)
	if err != nil {
		return model.Outcome{}, err
	}
	if p.Outcome == nil {
		return model.Outcome{}, resilience.NewConfigurationError("coordinator task %s: no outcome", task.ID)
	}
	o := *p.Outcome
	o.RunID = p.RunID
	if err := a.store.SaveRowOutcome(ctx, &o); err != nil {
		return model.Outcome{}, eris.Wrap(err, "agent: record outcome")
	}
	if p.DeadLetter && o.Failed() {
		if err := a.store.EnqueueDLQ(ctx, a.deadLetter(p.RunID, p.Row, &o)); err != nil {
			return model.Outcome{}, eris.Wrap(err, "agent: dead-letter row")
		}
	}
	return model.Outcome{Result: o.RowID}, nil
}

func (a *CoordinatorAgent) deadLetter(runID string, row model.Row, o *model.RowOutcome) resilience.DLQEntry {
	now := a.nowFunc().UTC()
	e := resilience.DLQEntry{
		RunID:        runID,
		RowIndex:     o.RowIndex,
		RowID:        o.RowID,
		Row:          row.Fields,
		TargetURL:    o.TargetURL,
		Error:        "row failed",
		ErrorType:    "transient",
		MaxRetries:   a.maxRetries,
		NextRetryAt:  now,
		CreatedAt:    now,
		LastFailedAt: now,
	}
	for _, re := range o.Errors {
		if re.Kind == resilience.KindFatal.String() {
			e.ErrorType = "permanent"
		}
	}
	if n := len(o.Errors); n > 0 {
		last := o.Errors[n-1]
		e.Error = last.Message
		e.FailedPhase = string(last.Phase)
	}
	return e
}
