package activities

import (
	"log/slog"
	"time"

	"github.com/rendis/homeos/internal/approval"
	"github.com/rendis/homeos/internal/audit"
	"github.com/rendis/homeos/internal/expressions"
	"github.com/rendis/homeos/internal/policy"
	"github.com/rendis/homeos/internal/tasks"
	"github.com/rendis/homeos/internal/tools"
	"github.com/rendis/homeos/pkg/schema"
)

// Activity names as workflow bodies request them.
const (
	Understand      = "understand"
	Recall          = "recall"
	PlanSteps       = "plan"
	Reflect         = "reflect"
	Writeback       = "writeback"
	ExecuteToolCall = "executeToolCall"

	SearchCandidates    = "searchCandidates"
	PlaceCall           = "placeCall"
	HandleCallOutcome   = "handleCallOutcome"
	CreateCalendarEvent = "createCalendarEvent"

	IdentifyItem       = "identifyItem"
	FindComparables    = "findComparables"
	CreateListingDraft = "createListingDraft"
	PostListing        = "postListing"
	CheckMessageRisk   = "checkMessageRisk"
	SendBuyerMessage   = "sendBuyerMessage"
	SchedulePickup     = "schedulePickup"
	UpdateListingPrice = "updateListingPrice"
	MarkListingSold    = "markListingSold"

	SearchHelpers    = "searchHelpers"
	RankCandidates   = "rankCandidates"
	RequestQuote     = "requestQuote"
	BookHelper       = "bookHelper"
	CoordinateHelper = "coordinateHelper"

	DiscoverServices    = "discoverServices"
	EvaluateService     = "evaluateService"
	GenerateToolWrapper = "generateToolWrapper"
	RunContractTests    = "runContractTests"
	ApplySecurityGates  = "applySecurityGates"
	PublishTool         = "publishTool"

	EmitTaskEvent       = "emitTaskEvent"
	RequestApproval     = "requestApproval"
	VerifyApprovalToken = "verifyApprovalToken"
	UpdateTask          = "updateTask"
)

func options(timeout time.Duration) schema.ActivityOptions {
	return schema.ActivityOptions{StartToCloseTimeout: timeout, Retry: schema.DefaultRetryPolicy()}
}

var (
	chatOptions        = options(5 * time.Minute)
	domainOptions      = options(10 * time.Minute)
	integrationOptions = options(30 * time.Minute)
	platformOptions    = options(30 * time.Second)
)

// Config holds the collaborators of the domain activities. Nil optional
// fields get local defaults in NewSet.
type Config struct {
	Proxy    *Proxy
	Tasks    *tasks.Service
	Events   *audit.Emitter
	Surface  approval.Surface
	Signer   *approval.Signer
	Policy   *policy.Store
	Tools    *tools.Registry
	Catalog  *tools.Catalog
	Ledger   *tools.Ledger
	Reasoner Reasoner
	Interp   *expressions.Interpolator
	JQ       *expressions.GoJQEngine
	Quotes   QuoteProvider
	Logger   *slog.Logger
	Now      func() time.Time
}

// Set is the household activity catalog backed by local providers.
type Set struct {
	cfg Config
}

// NewSet fills defaults and returns the activity set.
func NewSet(cfg Config) (*Set, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Policy == nil {
		cfg.Policy = policy.NewStaticStore(policy.Default())
	}
	if cfg.Ledger == nil {
		cfg.Ledger = tools.NewLedger(cfg.Now)
	}
	if cfg.JQ == nil {
		cfg.JQ = expressions.NewGoJQEngine()
	}
	if cfg.Interp == nil {
		cfg.Interp = expressions.NewInterpolator(nil)
	}
	if cfg.Tools == nil {
		cfg.Tools = tools.NewRegistry()
	}
	if cfg.Catalog == nil {
		c, err := tools.NewCatalog(cfg.JQ)
		if err != nil {
			return nil, err
		}
		cfg.Catalog = c
	}
	if cfg.Reasoner == nil {
		r, err := NewLocalReasoner(cfg.Policy, cfg.Tools, cfg.Ledger, cfg.Now)
		if err != nil {
			return nil, err
		}
		cfg.Reasoner = r
	}
	if cfg.Quotes == nil {
		cfg.Quotes = LocalQuotes{}
	}
	return &Set{cfg: cfg}, nil
}

// Ledger returns the ledger the local providers record effects in.
func (s *Set) Ledger() *tools.Ledger { return s.cfg.Ledger }

// Activities lists every activity of the set.
func (s *Set) Activities() []Activity {
	return []Activity{
		Typed(Understand, chatOptions, s.understand),
		Typed(Recall, chatOptions, s.recall),
		Typed(PlanSteps, chatOptions, s.plan),
		Typed(Reflect, chatOptions, s.reflect),
		Typed(Writeback, chatOptions, s.writeback),
		Typed(ExecuteToolCall, domainOptions, s.executeToolCall),

		Typed(SearchCandidates, domainOptions, s.searchCandidates),
		Typed(PlaceCall, domainOptions, s.placeCall),
		Typed(HandleCallOutcome, domainOptions, s.handleCallOutcome),
		Typed(CreateCalendarEvent, domainOptions, s.createCalendarEvent),

		Typed(IdentifyItem, domainOptions, s.identifyItem),
		Typed(FindComparables, domainOptions, s.findComparables),
		Typed(CreateListingDraft, domainOptions, s.createListingDraft),
		Typed(PostListing, domainOptions, s.postListing),
		Typed(CheckMessageRisk, domainOptions, s.checkMessageRisk),
		Typed(SendBuyerMessage, domainOptions, s.sendBuyerMessage),
		Typed(SchedulePickup, domainOptions, s.schedulePickup),
		Typed(UpdateListingPrice, domainOptions, s.updateListingPrice),
		Typed(MarkListingSold, domainOptions, s.markListingSold),

		Typed(SearchHelpers, domainOptions, s.searchHelpers),
		Typed(RankCandidates, domainOptions, s.rankCandidates),
		Typed(RequestQuote, domainOptions, s.requestQuote),
		Typed(BookHelper, domainOptions, s.bookHelper),
		Typed(CoordinateHelper, domainOptions, s.coordinateHelper),

		Typed(DiscoverServices, integrationOptions, s.discoverServices),
		Typed(EvaluateService, integrationOptions, s.evaluateService),
		Typed(GenerateToolWrapper, integrationOptions, s.generateToolWrapper),
		Typed(RunContractTests, integrationOptions, s.runContractTests),
		Typed(ApplySecurityGates, integrationOptions, s.applySecurityGates),
		Typed(PublishTool, integrationOptions, s.publishTool),

		Typed(EmitTaskEvent, platformOptions, s.emitTaskEvent),
		Typed(RequestApproval, platformOptions, s.requestApproval),
		Typed(VerifyApprovalToken, platformOptions, s.verifyApprovalToken),
		Typed(UpdateTask, platformOptions, s.updateTask),
	}
}

// Register adds every activity of the set to reg.
func (s *Set) Register(reg *Registry) error {
	for _, a := range s.Activities() {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}
