package auth

// Known OAuth scopes used by the sync endpoints.
const (
	ScopeActivitiesSync = "activities:sync"
	ScopeActivitiesRead = "activities:read"
)
