package domain

import "time"

// BackendTechnology names a supported server-side stack.
type BackendTechnology string

const (
	BackendJava   BackendTechnology = "java"
	BackendCSharp BackendTechnology = "csharp"
	BackendPython BackendTechnology = "python"
)

// FrontendTechnology names a supported client-side framework.
type FrontendTechnology string

const (
	FrontendReact   FrontendTechnology = "react"
	FrontendVue     FrontendTechnology = "vue"
	FrontendAngular FrontendTechnology = "angular"
)

// Database names a supported database engine.
type Database string

const DatabasePostgres Database = "postgres"

// Stack is the technology combination chosen when a project is generated. It never
// changes after creation.
type Stack struct {
	Backend             BackendTechnology  `json:"backend"`
	Frontend            FrontendTechnology `json:"frontend"`
	Database            Database           `json:"database"`
	UseContainerization bool               `json:"use_containerization"`
}

// SupportedBackends lists accepted backend values.
func SupportedBackends() []BackendTechnology {
	return []BackendTechnology{BackendJava, BackendCSharp, BackendPython}
}

// SupportedFrontends lists accepted frontend values.
func SupportedFrontends() []FrontendTechnology {
	return []FrontendTechnology{FrontendReact, FrontendVue, FrontendAngular}
}

// SupportedDatabases lists accepted database values.
func SupportedDatabases() []Database {
	return []Database{DatabasePostgres}
}

// LifecycleStatus is derived from pipeline outcomes.
type LifecycleStatus string

const (
	LifecycleCreated    LifecycleStatus = "created"
	LifecycleDeveloping LifecycleStatus = "developing"
	LifecycleDeployed   LifecycleStatus = "deployed"
	LifecycleFailed     LifecycleStatus = "failed"
)

// Project describes a generated project.
type Project struct {
	ID              string          `json:"id"`
	OwnerID         string          `json:"owner_id"`
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	Stack           Stack           `json:"stack"`
	LifecycleStatus LifecycleStatus `json:"status"`
	RepositoryURL   string          `json:"repository_url"`
	CloneURL        string          `json:"clone_url"`
	DeployURL       *string         `json:"deploy_url"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	// Seq is the store-assigned insertion sequence used for stable listing.
	Seq int64 `json:"-"`
}

// Actor is the authenticated caller supplied by the auth gateway.
type Actor struct {
	ID       string
	Username string
}
