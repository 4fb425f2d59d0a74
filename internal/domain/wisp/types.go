// Package wisp defines the domain types of the registry: servers, packages,
// tools, enrichment signals, and the scores derived from them. See spec.md
// §3 for the full data model.
package wisp

import "time"

// Server is the canonical identity row for an MCP-ecosystem server. Name is
// the unique primary key; everything else may be overwritten by re-ingest.
type Server struct {
	Name           string
	Description    string
	Version        string
	RepositoryURL  string
	Status         string
	PublishedAt    time.Time
	UpdatedAt      time.Time
	IconSrc        string
	IconMimeType   string
}

// RegistryType enumerates the package registries a Package may belong to.
type RegistryType string

const (
	RegistryNPM  RegistryType = "npm"
	RegistryPyPI RegistryType = "pypi"
	RegistryOCI  RegistryType = "oci"
)

// TransportType enumerates how a server is invoked.
type TransportType string

const (
	TransportStdio         TransportType = "stdio"
	TransportStreamableHTTP TransportType = "streamable-http"
	TransportSSE           TransportType = "sse"
)

// Package is a registry-hosted distribution of a server.
type Package struct {
	ServerName    string
	RegistryType  RegistryType
	Identifier    string
	TransportType TransportType
	RuntimeHint   string
	Version       string
}

// Remote is an HTTP-addressable server endpoint. Headers may contain
// placeholders resolved at invocation time (see ResolvePlaceholders).
type Remote struct {
	ServerName    string
	TransportType TransportType
	URL           string
	Headers       map[string]string
}

// LocalSource describes a server invoked from a cloned repository checkout.
type LocalSource struct {
	ServerName string
	Command    string
	Args       []string
	WorkingDir string
	Env        map[string]string
}

// EnvVar documents an environment variable a server consumes. IsSecret
// marks auth-gated servers (used by is_zero_auth in market ranking).
type EnvVar struct {
	ServerName  string
	VarName     string
	IsRequired  bool
	IsSecret    bool
	Description string
}

// GitHubSignal holds the GitHub repository metadata harvested by the
// github_signals enrichment worker (spec.md §4.3).
type GitHubSignal struct {
	ServerName     string
	Stars          int
	Forks          int
	OpenIssues     int
	Watchers       int
	Subscribers    int
	PushedAt       time.Time
	CreatedAt      time.Time
	LicenseSPDXID  string
	PrimaryLang    string
	Topics         []string
	IsArchived     bool
	IsFork         bool
	DefaultBranch  string
	EnrichedAt     time.Time
}

// PackageDownloads holds download-count windows for a single package row.
type PackageDownloads struct {
	ServerName   string
	RegistryType RegistryType
	Identifier   string
	LastDay      int64
	LastWeek     int64
	LastMonth    int64
	EnrichedAt   time.Time
}

// DependencySignal holds libraries.io dependents data for a package.
type DependencySignal struct {
	ServerName          string
	PackageName         string
	Platform             string
	DependentsCount      int64
	DependentReposCount  int64
	SourceRank           int
	EnrichedAt           time.Time
}

// CrossListing records that a server also appears on an external registry
// (Glama), including licensing metadata surfaced there.
type CrossListing struct {
	ServerName string
	Source     string
	Slug       string
	License    string
	IconURL    string
	EnrichedAt time.Time
}

// ConfigReference is a GitHub code-search hit count for a server's package
// identifier appearing in one of the four recognised client config files.
type ConfigReference struct {
	ServerName      string
	ConfigType      string
	ReferenceCount  int
	SampleRepos     []string
	EnrichedAt      time.Time
}

// ServiceCostHint is the offline service-cost analyzer's classification of
// a server's paid-service dependencies, derived from its secret env vars.
type ServiceCostHint struct {
	ServerName            string
	RequiresPaidService   bool
	PaidServices          []string
	FreeTierAvailable     bool
	EnrichedAt            time.Time
}

// EnrichmentFailureCategory is the enrichment-outcome taxonomy of spec.md §7.
type EnrichmentFailureCategory string

const (
	EnrichmentSuccess           EnrichmentFailureCategory = "success"
	EnrichmentPermanentFailure  EnrichmentFailureCategory = "permanent_failure"
	EnrichmentTransientFailure  EnrichmentFailureCategory = "transient_failure"
)

// EnrichmentStatus tracks the outcome of the most recent attempt to enrich
// a server from a given source, gating whether the worker retries it.
type EnrichmentStatus struct {
	ServerName      string
	EnrichmentType  string
	Status          EnrichmentFailureCategory
	FailureReason   string
	LastAttemptedAt time.Time
	RetryCount      int
}

// ExtractionStatus mirrors EnrichmentStatus but for the tool-listing
// (MCP session) attempt, which additionally tracks pending state and the
// connection method used.
type ExtractionStatus struct {
	ServerName        string
	Status            ExtractionOutcome
	FailureCategory   string
	FailureReason     string
	ToolsCount        int
	ResourcesCount    int
	PromptsCount      int
	ConnectionMethod  string
	LastAttemptedAt   time.Time
	LastSuccessfulAt  time.Time
	RetryCount        int
}

// ExtractionOutcome enumerates ExtractionStatus.Status values.
type ExtractionOutcome string

const (
	ExtractionSuccess          ExtractionOutcome = "success"
	ExtractionPermanentFailure ExtractionOutcome = "permanent_failure"
	ExtractionTransientFailure ExtractionOutcome = "transient_failure"
	ExtractionPending          ExtractionOutcome = "pending"
)

// ConnectionLog is an append-only audit record of a single extraction
// attempt against a server's MCP endpoint (original_source's connection_log;
// see SPEC_FULL.md Part D.2).
type ConnectionLog struct {
	ServerName      string
	ConnectionType  string
	URLOrCommand    string
	Success         bool
	ErrorMessage    string
	ToolsCount      int
	ResourcesCount  int
	PromptsCount    int
	AttemptedAt     time.Time
}

// BacklinkTier is one of the five fixed reference-strength tiers (spec.md
// §4.4).
type BacklinkTier string

const (
	Tier1Config      BacklinkTier = "tier1_config"
	Tier2Dependency  BacklinkTier = "tier2_dependency"
	Tier3Deployment  BacklinkTier = "tier3_deployment"
	Tier4Curated     BacklinkTier = "tier4_curated"
	Tier5Mention     BacklinkTier = "tier5_mention"
	TierMetadataCache BacklinkTier = "metadata_cache"
)

// TierWeights is the fixed tier -> weight table of spec.md §4.4.
// TierMetadataCache is excluded: it carries no scoring weight, it is a
// cache-only synthetic row (invariant 4 of spec.md §8).
var TierWeights = map[BacklinkTier]float64{
	Tier1Config:     1.0,
	Tier2Dependency: 0.8,
	Tier3Deployment: 0.6,
	Tier4Curated:    0.3,
	Tier5Mention:    0.1,
}

// CacheServerName is the synthetic server_name used for BacklinkEdge rows
// that cache referencer-repo metadata independently of any one server.
const CacheServerName = "__cache__"

// BacklinkEdge is a single reference from an external repo to a server,
// unique per (server_name, referencer_repo, tier).
type BacklinkEdge struct {
	ServerName     string
	ReferencerRepo string
	Tier           BacklinkTier
	TierWeight     float64
	RepoStars      int
	RepoPushedAt   time.Time
	IsArchived     bool
	IsFork         bool
	EdgeScore      float64
}

// BacklinkScore is the aggregated backlink score for one server.
type BacklinkScore struct {
	ServerName        string
	RawScore          float64
	NormalizedScore   float64
	Tier1Contribution float64
	Tier2Contribution float64
	Tier3Contribution float64
	Tier4Contribution float64
	UniqueRepos       int
}

// MarketRanking is the composite marketplace score for one server
// (spec.md §4.5).
type MarketRanking struct {
	ServerName      string
	TotalScore      float64
	UsageScore      float64
	ReputationScore float64
	ActivityScore   float64
	ReachScore      float64
	IsZeroAuth      bool
	IsVerified      bool
}

// Tool is a named, parameterised operation a server exposes.
type Tool struct {
	ID           int64
	ServerName   string
	ToolName     string
	Title        string
	Description  string
	InputSchema  string // raw JSON
	OutputSchema string // raw JSON, may be empty
}

// ToolParameter is one parameter of a Tool's input schema.
type ToolParameter struct {
	ServerName   string
	ToolName     string
	ParamName    string
	ParamType    string
	Description  string
	IsRequired   bool
	DefaultValue string // raw JSON, may be empty
	EnumValues   string // raw JSON array, may be empty
}

// Resource is an MCP resource advertised by a server (supplemented feature,
// SPEC_FULL.md Part D.1).
type Resource struct {
	ServerName  string
	URI         string
	Name        string
	Description string
	MimeType    string
}

// Prompt is an MCP prompt advertised by a server (supplemented feature,
// SPEC_FULL.md Part D.1).
type Prompt struct {
	ServerName  string
	PromptName  string
	Description string
	ArgumentsJSON string
}

// SearchDoc is the flattened, derived document built for one tool by the
// index builder (spec.md §4.6).
type SearchDoc struct {
	ToolID     int64
	ToolName   string
	ServerName string
	NameText   string
	DescText   string
	ParamsText string
	FullDoc    string
}

// SegmentWeights are the fixed per-segment BM25 weights of spec.md §4.1.
var SegmentWeights = struct {
	Name   float64
	Desc   float64
	Params float64
}{Name: 5.0, Desc: 3.0, Params: 1.0}

// RecognizedConfigFiles are the four client config filenames the
// config-reference enrichment worker searches for (spec.md §4.3).
var RecognizedConfigFiles = []string{
	"claude_desktop_config.json",
	"mcp.json",
	"mcp_config.json",
	"cline_mcp_settings.json",
}

// TrustedOrgs is the fixed set of GitHub organisations whose servers are
// eligible for the market ranker's is_verified bonus (spec.md §4.5,
// invariant 3).
var TrustedOrgs = map[string]bool{
	"modelcontextprotocol": true,
	"anthropics":           true,
	"github":               true,
	"microsoft":            true,
	"google":               true,
	"cloudflare":           true,
	"awslabs":               true,
	"stripe":               true,
}

// KnownPaidService describes one entry of the curated KNOWN_PAID_SERVICES
// table consulted by the offline service-cost analyzer (spec.md §4.3).
type KnownPaidService struct {
	DisplayName     string
	HasFreeTier     bool
	PricingNote     string
}

// KnownPaidServices maps a lower-cased keyword fragment (matched against
// secret env-var names) to the paid service it implies.
var KnownPaidServices = map[string]KnownPaidService{
	"openai":       {DisplayName: "OpenAI", HasFreeTier: false, PricingNote: "pay-per-token API usage"},
	"anthropic":    {DisplayName: "Anthropic", HasFreeTier: false, PricingNote: "pay-per-token API usage"},
	"stripe":       {DisplayName: "Stripe", HasFreeTier: true, PricingNote: "free for low volume, then per-transaction"},
	"aws":          {DisplayName: "AWS", HasFreeTier: true, PricingNote: "free tier, then usage-based"},
	"twilio":       {DisplayName: "Twilio", HasFreeTier: true, PricingNote: "trial credit, then per-message/call"},
	"sendgrid":     {DisplayName: "SendGrid", HasFreeTier: true, PricingNote: "free tier up to a volume threshold"},
	"slack":        {DisplayName: "Slack", HasFreeTier: true, PricingNote: "free workspace tier with limits"},
	"github_token": {DisplayName: "GitHub", HasFreeTier: true, PricingNote: "free for public repos and low API volume"},
	"perigon":      {DisplayName: "Perigon", HasFreeTier: false, PricingNote: "metered news API"},
	"pinecone":     {DisplayName: "Pinecone", HasFreeTier: false, PricingNote: "starter tier, then usage-based"},
}
