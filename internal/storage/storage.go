package storage

import (
	"context"
	"time"
)

// ImageCoord is a distinct (image_repo, image_tag) pair for a user,
// carrying the access token associated with its deployed image, if any.
type ImageCoord struct {
	ImageRepo         string
	ImageTag          string
	RepositoryTokenID *int64
}

// Store is the persistence contract the rest of the system depends on.
// Every method is scoped to a user id; there is no cross-user
// visibility. *SQLiteStore is the only production implementation.
type Store interface {
	Close() error
	OnWrite(fn func(userID int64))

	// Users
	ListUserIDs(ctx context.Context) ([]int64, error)

	// Portainer instances
	CreateInstance(ctx context.Context, inst *PortainerInstance) error
	GetInstance(ctx context.Context, userID, id int64) (*PortainerInstance, error)
	GetInstanceByURL(ctx context.Context, userID int64, url string) (*PortainerInstance, error)
	ListInstances(ctx context.Context, userID int64) ([]PortainerInstance, error)
	UpdateInstance(ctx context.Context, inst *PortainerInstance) error
	DeleteInstance(ctx context.Context, userID, id int64) error

	// Deployed images
	UpsertDeployedImage(ctx context.Context, img *DeployedImage) (int64, error)
	ListDeployedImages(ctx context.Context, userID int64) ([]DeployedImage, error)
	ListImageCoords(ctx context.Context, userID int64) ([]ImageCoord, error)
	AssociateImagesWithToken(ctx context.Context, userID int64, imageIDs []int64, tokenID *int64) error
	CleanupOrphanDeployedImages(ctx context.Context, userID int64) (int64, error)

	// Registry versions
	UpsertRegistryVersion(ctx context.Context, v *RegistryImageVersion) error
	GetRegistryVersion(ctx context.Context, userID int64, imageRepo, tag string) (*RegistryImageVersion, error)
	TouchRegistryCoordinate(ctx context.Context, userID int64, imageRepo, tag string) error

	// Containers
	UpsertContainer(ctx context.Context, c *Container) error
	FindContainerByCID(ctx context.Context, userID int64, containerID string) (*Container, error)
	FindContainerByImage(ctx context.Context, userID, instanceID int64, endpointID int, imageName string) (*Container, error)
	GetContainerWithVersion(ctx context.Context, userID int64, containerID string) (*ContainerWithVersion, error)
	GetContainersWithUpdates(ctx context.Context, userID int64, portainerURL string) ([]ContainerWithVersion, error)
	DeleteContainersNotIn(ctx context.Context, userID, instanceID int64, endpointID int, seenIDs []string) (int64, error)
	DeleteContainersNotSeenSince(ctx context.Context, userID int64, cutoff time.Time) (int64, error)

	// Tracked apps
	CreateTrackedApp(ctx context.Context, app *TrackedApp) error
	GetTrackedApp(ctx context.Context, userID, id int64) (*TrackedApp, error)
	ListTrackedApps(ctx context.Context, userID int64) ([]TrackedApp, error)
	UpdateTrackedApp(ctx context.Context, app *TrackedApp) error
	DeleteTrackedApp(ctx context.Context, userID, id int64) error
	RecordTrackedAppTransition(ctx context.Context, entry *TrackedAppHistoryEntry) error
	ListTrackedAppHistory(ctx context.Context, userID int64, limit int) ([]TrackedAppHistoryEntry, error)

	// Repository access tokens
	CreateToken(ctx context.Context, tok *RepositoryAccessToken) error
	GetToken(ctx context.Context, userID, id int64) (*RepositoryAccessToken, error)
	ListTokens(ctx context.Context, userID int64) ([]RepositoryAccessToken, error)
	UpdateToken(ctx context.Context, tok *RepositoryAccessToken) error
	DeleteToken(ctx context.Context, userID, id int64) error

	// Intents
	CreateIntent(ctx context.Context, in *Intent) error
	GetIntent(ctx context.Context, userID, id int64) (*Intent, error)
	ListIntents(ctx context.Context, userID int64) ([]Intent, error)
	ListEnabledIntents(ctx context.Context, userID int64) ([]Intent, error)
	UpdateIntent(ctx context.Context, in *Intent) error
	DeleteIntent(ctx context.Context, userID, id int64) error
	SetIntentEnabled(ctx context.Context, userID, id int64, enabled bool) error
	TouchIntentEvaluated(ctx context.Context, intentID, executionID int64) error

	// Intent executions
	CreateIntentExecution(ctx context.Context, exec *IntentExecution) error
	UpdateIntentExecution(ctx context.Context, exec *IntentExecution) error
	AddExecutionContainer(ctx context.Context, c *IntentExecutionContainer) error
	GetIntentExecution(ctx context.Context, userID, id int64) (*IntentExecution, error)
	ListIntentExecutions(ctx context.Context, userID, intentID int64, limit int) ([]IntentExecution, error)
	ListExecutionContainers(ctx context.Context, executionID int64) ([]IntentExecutionContainer, error)
	ListUpgradeHistory(ctx context.Context, userID int64, limit int) ([]IntentExecutionContainer, error)
	CleanupStaleIntentExecutions(ctx context.Context, olderThan time.Duration) (int64, error)

	// Batch scheduling
	UpsertBatchConfig(ctx context.Context, cfg *BatchConfig) error
	GetBatchConfig(ctx context.Context, userID int64, jobType string) (*BatchConfig, error)
	ListBatchConfigs(ctx context.Context, userID int64) ([]BatchConfig, error)
	ListEnabledBatchConfigs(ctx context.Context) ([]BatchConfig, error)
	CheckAndAcquireBatchJobLock(ctx context.Context, userID int64, jobType string, isManual bool) (*BatchLockResult, error)
	CompleteBatchRun(ctx context.Context, run *BatchRun) error
	GetBatchRun(ctx context.Context, userID, id int64) (*BatchRun, error)
	ListBatchRuns(ctx context.Context, userID int64, jobType string, limit int) ([]BatchRun, error)
	LastBatchRunStart(ctx context.Context, userID int64, jobType string) (time.Time, bool, error)
	CleanupStaleBatchJobs(ctx context.Context, olderThan time.Duration) (int64, error)

	// Notification dedup + webhooks
	MarkNotificationSent(ctx context.Context, userID int64, dedupKey, notificationType string) (bool, error)
	CreateWebhook(ctx context.Context, wh *Webhook) error
	ListWebhooks(ctx context.Context, userID int64) ([]Webhook, error)
	DeleteWebhook(ctx context.Context, userID, id int64) error

	// Sessions and OAuth state
	CreateSession(ctx context.Context, sess *Session) error
	GetSession(ctx context.Context, token string) (*Session, error)
	DeleteExpiredSessions(ctx context.Context) (int64, error)
	CreateOAuthState(ctx context.Context, st *OAuthState) error
	ConsumeOAuthState(ctx context.Context, state string) (*OAuthState, error)
}

var _ Store = (*SQLiteStore)(nil)
