package storage

import "time"

// Auth types for Portainer instances.
const (
	AuthTypePassword = "password"
	AuthTypeAPIKey   = "apikey"
)

// PortainerInstance is one Portainer server owned by a user.
type PortainerInstance struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"user_id"`
	Name         string    `json:"name"`
	URL          string    `json:"url"`
	AuthType     string    `json:"auth_type"` // password | apikey
	Username     string    `json:"username,omitempty"`
	Password     string    `json:"-"`
	APIKey       string    `json:"-"`
	DisplayOrder int       `json:"display_order"`
	IPAddress    string    `json:"ip_address,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// DeployedImage records that an exact image digest is in use somewhere.
// Unique on (user_id, image_repo, image_tag, image_digest).
type DeployedImage struct {
	ID                int64      `json:"id"`
	UserID            int64      `json:"user_id"`
	ImageRepo         string     `json:"image_repo"`
	ImageTag          string     `json:"image_tag"`
	ImageDigest       string     `json:"image_digest"`
	ImageCreatedDate  *time.Time `json:"image_created_date,omitempty"`
	Registry          string     `json:"registry,omitempty"`
	Namespace         string     `json:"namespace,omitempty"`
	Repository        string     `json:"repository,omitempty"`
	RepoDigests       string     `json:"repo_digests,omitempty"` // JSON array as reported by inspect
	RepositoryTokenID *int64     `json:"repository_token_id,omitempty"`
	FirstSeen         time.Time  `json:"first_seen"`
	LastSeen          time.Time  `json:"last_seen"`
}

// RegistryImageVersion is what the source registry currently reports
// for an (image_repo, tag) coordinate. Unique on (user_id, image_repo, tag).
type RegistryImageVersion struct {
	ID                int64      `json:"id"`
	UserID            int64      `json:"user_id"`
	ImageRepo         string     `json:"image_repo"`
	Registry          string     `json:"registry"`
	Provider          string     `json:"provider,omitempty"`
	Namespace         string     `json:"namespace,omitempty"`
	Repository        string     `json:"repository"`
	Tag               string     `json:"tag"`
	LatestDigest      string     `json:"latest_digest,omitempty"`
	LatestVersion     string     `json:"latest_version,omitempty"`
	LatestPublishDate *time.Time `json:"latest_publish_date,omitempty"`
	ExistsInRegistry  bool       `json:"exists_in_registry"`
	NoDigest          bool       `json:"no_digest"`
	LastChecked       time.Time  `json:"last_checked"`
}

// Container is one container observed through a Portainer endpoint.
// Unique on (user_id, container_id, portainer_instance_id, endpoint_id).
type Container struct {
	ID                  int64     `json:"id"`
	UserID              int64     `json:"user_id"`
	PortainerInstanceID int64     `json:"portainer_instance_id"`
	ContainerID         string    `json:"container_id"`
	ContainerName       string    `json:"container_name"`
	EndpointID          int       `json:"endpoint_id"`
	ImageName           string    `json:"image_name"`
	ImageRepo           string    `json:"image_repo"`
	Status              string    `json:"status"`
	State               string    `json:"state"`
	StackName           string    `json:"stack_name,omitempty"`
	DeployedImageID     *int64    `json:"deployed_image_id,omitempty"`
	UsesNetworkMode     bool      `json:"uses_network_mode"`
	ProvidesNetwork     bool      `json:"provides_network"`
	LastSeen            time.Time `json:"last_seen"`
}

// ContainerWithVersion is the denormalised join of containers,
// deployed_images, and registry_image_versions used by the cache and
// the API. HasUpdate is never stored; it is computed from the digests.
type ContainerWithVersion struct {
	Container
	ImageTag          string     `json:"image_tag,omitempty"`
	CurrentDigest     string     `json:"current_digest,omitempty"`
	ImageCreatedDate  *time.Time `json:"image_created_date,omitempty"`
	Registry          string     `json:"registry,omitempty"`
	LatestDigest      string     `json:"latest_digest,omitempty"`
	LatestVersion     string     `json:"latest_version,omitempty"`
	LatestPublishDate *time.Time `json:"latest_publish_date,omitempty"`
	ExistsInRegistry  bool       `json:"exists_in_registry"`
	LastChecked       *time.Time `json:"last_checked,omitempty"`
	HasUpdate         bool       `json:"has_update"`
}

// Tracked app source types.
const (
	SourceTypeDocker = "docker"
	SourceTypeGitHub = "github"
	SourceTypeGitLab = "gitlab"
)

// TrackedApp is an upstream application watched independently of any
// running container. Unique on (user_id, image_name, github_repo).
type TrackedApp struct {
	ID                        int64      `json:"id"`
	UserID                    int64      `json:"user_id"`
	Name                      string     `json:"name"`
	ImageName                 string     `json:"image_name,omitempty"`
	GithubRepo                string     `json:"github_repo,omitempty"`
	SourceType                string     `json:"source_type"` // docker | github | gitlab
	RepositoryTokenID         *int64     `json:"repository_token_id,omitempty"`
	CurrentVersion            string     `json:"current_version"`
	CurrentDigest             string     `json:"current_digest"`
	LatestVersion             string     `json:"latest_version"`
	LatestDigest              string     `json:"latest_digest"`
	HasUpdate                 bool       `json:"has_update"`
	CurrentVersionPublishDate *time.Time `json:"current_version_publish_date,omitempty"`
	LatestVersionPublishDate  *time.Time `json:"latest_version_publish_date,omitempty"`
	LastChecked               *time.Time `json:"last_checked,omitempty"`
}

// TrackedAppHistoryEntry records a tracked app version transition.
type TrackedAppHistoryEntry struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"user_id"`
	AppID       int64     `json:"app_id"`
	AppName     string    `json:"app_name"`
	FromVersion string    `json:"from_version"`
	ToVersion   string    `json:"to_version"`
	FromDigest  string    `json:"from_digest"`
	ToDigest    string    `json:"to_digest"`
	DetectedAt  time.Time `json:"detected_at"`
}

// RepositoryAccessToken is a stored GitHub/GitLab personal access token.
// Unique on (user_id, provider, name).
type RepositoryAccessToken struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"user_id"`
	Provider    string    `json:"provider"` // github | gitlab
	Name        string    `json:"name"`
	AccessToken string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

// Intent schedule types.
const (
	ScheduleImmediate = "immediate"
	ScheduleScheduled = "scheduled"
)

// MaxIntentsPerUser is enforced atomically on insert.
const MaxIntentsPerUser = 50

// Intent is a declarative auto-upgrade policy. Match/exclude fields
// hold glob pattern lists; an empty match list means "match all" and
// an empty exclude list means "exclude nothing".
type Intent struct {
	ID                     int64      `json:"id"`
	UserID                 int64      `json:"user_id"`
	Name                   string     `json:"name"`
	Description            string     `json:"description,omitempty"`
	Enabled                bool       `json:"enabled"`
	MatchContainers        []string   `json:"match_containers,omitempty"`
	MatchImages            []string   `json:"match_images,omitempty"`
	MatchInstances         []int64    `json:"match_instances,omitempty"`
	MatchStacks            []string   `json:"match_stacks,omitempty"`
	MatchRegistries        []string   `json:"match_registries,omitempty"`
	ExcludeContainers      []string   `json:"exclude_containers,omitempty"`
	ExcludeImages          []string   `json:"exclude_images,omitempty"`
	ExcludeStacks          []string   `json:"exclude_stacks,omitempty"`
	ExcludeRegistries      []string   `json:"exclude_registries,omitempty"`
	ScheduleType           string     `json:"schedule_type"` // immediate | scheduled
	ScheduleCron           string     `json:"schedule_cron,omitempty"`
	MaxConcurrent          int        `json:"max_concurrent"`
	DryRun                 bool       `json:"dry_run"`
	SequentialDelaySec     int        `json:"sequential_delay_sec"`
	NotifyOnUpdateDetected bool       `json:"notify_on_update_detected"`
	NotifyOnBatchStart     bool       `json:"notify_on_batch_start"`
	NotifyOnSuccess        bool       `json:"notify_on_success"`
	NotifyOnFailure        bool       `json:"notify_on_failure"`
	LastEvaluatedAt        *time.Time `json:"last_evaluated_at,omitempty"`
	LastExecutionID        *int64     `json:"last_execution_id,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// Intent execution statuses.
const (
	ExecStatusPending   = "pending"
	ExecStatusRunning   = "running"
	ExecStatusCompleted = "completed"
	ExecStatusFailed    = "failed"
	ExecStatusPartial   = "partial"
)

// Intent execution trigger types.
const (
	TriggerScanDetected    = "scan_detected"
	TriggerManual          = "manual"
	TriggerScheduledWindow = "scheduled_window"
)

// IntentExecution is one evaluation+execution pass of an intent.
type IntentExecution struct {
	ID                 int64      `json:"id"`
	IntentID           int64      `json:"intent_id"`
	UserID             int64      `json:"user_id"`
	Status             string     `json:"status"`
	TriggerType        string     `json:"trigger_type"`
	ContainersMatched  int        `json:"containers_matched"`
	ContainersUpgraded int        `json:"containers_upgraded"`
	ContainersFailed   int        `json:"containers_failed"`
	ContainersSkipped  int        `json:"containers_skipped"`
	StartedAt          time.Time  `json:"started_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	DurationMs         *int64     `json:"duration_ms,omitempty"`
	ErrorMessage       string     `json:"error_message,omitempty"`
}

// Per-container execution outcomes.
const (
	ContainerOutcomeUpgraded = "upgraded"
	ContainerOutcomeFailed   = "failed"
	ContainerOutcomeSkipped  = "skipped"
	ContainerOutcomeDryRun   = "dry_run"
)

// IntentExecutionContainer is the per-container detail row of an execution.
type IntentExecutionContainer struct {
	ID                  int64  `json:"id"`
	ExecutionID         int64  `json:"execution_id"`
	ContainerID         string `json:"container_id"`
	ContainerName       string `json:"container_name"`
	ImageName           string `json:"image_name"`
	PortainerInstanceID *int64 `json:"portainer_instance_id,omitempty"`
	Status              string `json:"status"`
	OldImage            string `json:"old_image,omitempty"`
	NewImage            string `json:"new_image,omitempty"`
	OldDigest           string `json:"old_digest,omitempty"`
	NewDigest           string `json:"new_digest,omitempty"`
	ErrorMessage        string `json:"error_message,omitempty"`
	DurationMs          *int64 `json:"duration_ms,omitempty"`
}

// Batch job types.
const (
	JobTypeDockerHubPull    = "docker-hub-pull"
	JobTypeTrackedAppsCheck = "tracked-apps-check"
	JobTypeAutoUpdate       = "auto-update"
)

// JobTypes lists every schedulable job type.
func JobTypes() []string {
	return []string{JobTypeDockerHubPull, JobTypeTrackedAppsCheck, JobTypeAutoUpdate}
}

// Batch run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Interval bounds for batch configs, in minutes.
const (
	MinIntervalMinutes = 1
	MaxIntervalMinutes = 1440
)

// BatchConfig is the per-user schedule for one job type.
type BatchConfig struct {
	UserID          int64     `json:"user_id"`
	JobType         string    `json:"job_type"`
	Enabled         bool      `json:"enabled"`
	IntervalMinutes int       `json:"interval_minutes"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// BatchRun is one scheduled or manual execution of a batch handler.
// At most one row per (user_id, job_type) may be running at any instant.
type BatchRun struct {
	ID                int64      `json:"id"`
	UserID            int64      `json:"user_id"`
	JobType           string     `json:"job_type"`
	Status            string     `json:"status"`
	IsManual          bool       `json:"is_manual"`
	StartedAt         time.Time  `json:"started_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	DurationMs        *int64     `json:"duration_ms,omitempty"`
	ContainersChecked int        `json:"containers_checked"`
	ContainersUpdated int        `json:"containers_updated"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	Logs              string     `json:"logs,omitempty"`
}

// BatchLockResult is the outcome of a check-and-acquire attempt.
// When the lock is granted, RunID is the freshly created running row.
// When another run holds the lock, IsRunning is true and RunID points
// at that run.
type BatchLockResult struct {
	Acquired  bool  `json:"acquired"`
	IsRunning bool  `json:"is_running"`
	RunID     int64 `json:"run_id,omitempty"`
}

// NotificationRecord is the dedup ledger for outbound notifications.
// Unique on (user_id, deduplication_key); insert is IGNORE on conflict.
type NotificationRecord struct {
	UserID           int64     `json:"user_id"`
	DeduplicationKey string    `json:"deduplication_key"`
	NotificationType string    `json:"notification_type"`
	SentAt           time.Time `json:"sent_at"`
}

// Webhook is one user-configured notification destination.
type Webhook struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is an API session token.
type Session struct {
	Token     string    `json:"-"`
	UserID    int64     `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// OAuthState is an ephemeral CSRF/PKCE holder with single-use semantics.
type OAuthState struct {
	State     string    `json:"state"`
	UserID    int64     `json:"user_id"`
	Verifier  string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}
