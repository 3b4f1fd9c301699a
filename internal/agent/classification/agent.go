package classification

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/normanking/halalcert/internal/agent"
	"github.com/normanking/halalcert/internal/bus"
)

// AgentID is the registry id of the classification agent.
const AgentID = "classification"

// Failure is published on classification-failed by self-triggered runs.
type Failure struct {
	ProductName string `json:"product_name"`
	Error       string `json:"error"`
}

// extractionNotice mirrors the extraction-completed payload fields this agent
// reads, so the two agents stay decoupled.
type extractionNotice struct {
	Document struct {
		ProductName string   `json:"product_name"`
		Ingredients []string `json:"ingredients"`
	} `json:"document"`
	Chain bool `json:"chain"`
}

// Agent exposes the Engine as the classify-ingredients capability and
// classifies extracted documents that ask to be chained.
type Agent struct {
	*agent.Base
	engine *Engine

	subID  bus.SubscriptionID
	runCtx context.Context
	stop   context.CancelFunc

	// runMu orders beginRun against Shutdown so no wg.Add follows wg.Wait.
	runMu sync.Mutex
	wg    sync.WaitGroup
}

// NewAgent creates the classification agent.
func NewAgent(engine *Engine, b *bus.Bus, logger zerolog.Logger) *Agent {
	caps := []agent.Capability{{
		Name:       agent.CapClassifyIngredients,
		InputType:  "classification.Request",
		OutputType: "classification.Result",
	}}
	return &Agent{
		Base:   agent.NewBase(agent.Identity{ID: AgentID, Name: "Ingredient Classification", Version: "1.0.0"}, caps, b, logger),
		engine: engine,
	}
}

// Initialize subscribes to extraction-completed.
func (a *Agent) Initialize(ctx context.Context) error {
	if err := a.MarkInitialized(); err != nil {
		return err
	}
	a.runCtx, a.stop = context.WithCancel(context.Background())
	if a.Bus == nil {
		return nil
	}
	id, err := a.Bus.Subscribe(bus.TopicExtractionCompleted, a.onExtraction)
	if err != nil {
		return err
	}
	a.subID = id
	return nil
}

// Process handles classify-ingredients.
func (a *Agent) Process(ctx context.Context, req agent.Request) (any, error) {
	if err := a.Ready(); err != nil {
		return nil, err
	}
	if req.Capability != agent.CapClassifyIngredients {
		return nil, a.Unsupported(req.Capability)
	}
	in, err := agent.DecodeInput[Request](req.Input)
	if err != nil {
		return nil, err
	}
	return a.engine.Classify(ctx, in)
}

// onExtraction runs on the publisher's goroutine, so the classification
// itself is handed to a background goroutine.
func (a *Agent) onExtraction(ctx context.Context, ev bus.Event) error {
	notice, err := agent.DecodeInput[extractionNotice](ev.Payload)
	if err != nil {
		return err
	}
	if !notice.Chain || !a.beginRun() {
		return nil
	}

	req := Request{ProductName: notice.Document.ProductName, Ingredients: notice.Document.Ingredients}
	runCtx := bus.ContextWithCorrelationID(a.runCtx, ev.CorrelationID)
	a.Emit(runCtx, bus.TopicClassificationRequested, req)

	go func() {
		defer a.wg.Done()
		res, err := a.engine.Classify(runCtx, req)
		if err != nil {
			a.Logger.Warn().Err(err).Str("product", req.ProductName).Msg("chained classification failed")
			a.Emit(runCtx, bus.TopicClassificationFailed, Failure{ProductName: req.ProductName, Error: err.Error()})
			return
		}
		a.Emit(runCtx, bus.TopicClassificationCompleted, res)
	}()
	return nil
}

// beginRun reserves a background run. It fails once Shutdown has started;
// a delivery that snapshotted its subscribers before Unsubscribe can still
// arrive after that.
func (a *Agent) beginRun() bool {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.Ready() != nil {
		return false
	}
	a.wg.Add(1)
	return true
}

// Shutdown stops self-triggered work and waits for in-flight runs.
func (a *Agent) Shutdown(ctx context.Context) error {
	if a.Bus != nil && a.subID != "" {
		_ = a.Bus.Unsubscribe(a.subID)
	}
	a.runMu.Lock()
	a.MarkShutdown()
	a.runMu.Unlock()
	if a.stop != nil {
		a.stop()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
