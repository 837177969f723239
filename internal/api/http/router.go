package http

import (
	"database/sql"

	"github.com/go-chi/chi/v5"

	"github.com/mind-engage/nihongo/internal/content"
	"github.com/mind-engage/nihongo/internal/learner"
	"github.com/mind-engage/nihongo/internal/rbac"
	"github.com/mind-engage/nihongo/internal/romaji"
	"github.com/mind-engage/nihongo/internal/storage"
	syncx "github.com/mind-engage/nihongo/internal/sync"
)

type Deps struct {
	DB      *sql.DB
	Service *learner.Service
	Events  *syncx.EventRepo
	Catalog *content.Catalog
	Romaji  romaji.Converter
	Blobs   storage.BlobStore // optional; archives content uploads
}

// Mount registers the protected API. The caller installs the JWT and role
// middleware on pr first.
func Mount(pr chi.Router, d Deps) {
	var audit learner.EventAppender
	if d.Events != nil {
		audit = d.Events
	}

	// Progress sync (learners push their outbox)
	pr.With(rbac.Require("progress:sync")).
		Post("/sync", SyncHandler(d.Service))
	pr.With(rbac.RequireAny("progress:view-own", "progress:view-all"), rbac.RequireOwnerOr("progress:view-all", OwnUserRequest)).
		Get("/progress", GetProgressHandler(d.Service))
	pr.With(rbac.RequireOwnerOr("progress:view-all", OwnUserRequest)).
		Get("/progress/stats", StatsHandler(d.Service))
	pr.With(rbac.Require("progress:reset-own")).
		Delete("/progress", ResetProgressHandler(d.Service))

	pr.With(rbac.Require("settings:read")).
		Get("/settings", GetSettingsHandler(d.Service))
	pr.With(rbac.Require("settings:write")).
		Put("/settings", PutSettingsHandler(d.Service))

	// Content catalog
	pr.Route("/content", func(cr chi.Router) {
		cr.With(rbac.Require("content:view")).Get("/levels", ContentLevelsHandler(d.Catalog))
		cr.With(rbac.Require("content:view")).Get("/words", WordsHandler(d.Catalog))
		cr.With(rbac.Require("content:view")).Get("/kanji", KanjiHandler(d.Catalog))
		cr.With(rbac.Require("content:view")).Get("/kana", KanaHandler(d.Catalog))
		cr.With(rbac.Require("content:import")).Post("/import", ImportContentHandler(d.Catalog, d.Romaji, d.Blobs))
		if d.Blobs != nil {
			cr.With(rbac.Require("content:import")).Route("/imports", func(ar chi.Router) {
				MountImportArchive(ar, d.Blobs)
			})
		}
	})

	// Users (tutor/admin)
	pr.With(rbac.Require("users:bulk_upsert")).
		Post("/users/bulk", BulkUpsertUsersHandler(d.DB))
	pr.With(rbac.Require("users:list")).
		Get("/users", ListUsersHandler(d.DB))
	pr.With(rbac.Require("user:change_password")).
		Post("/users/change-password", ChangePasswordHandler(d.DB))

	// Admin
	pr.With(rbac.Require("users:manage")).
		Patch("/admin/users/{userID}/role", AdminUpdateUserRoleHandler(d.DB, audit))
	pr.With(rbac.Require("admin:compliance")).
		Post("/admin/pii/export", HandleAdminPIIExport(d.DB, d.Service))
	pr.With(rbac.Require("admin:compliance")).
		Post("/admin/pii/delete", HandleAdminPIIDelete(d.DB))
	pr.With(rbac.Require("admin:audit")).
		Get("/admin/audit", HandleAdminAuditSearch(d.DB))
	if d.Events != nil {
		pr.With(rbac.Require("admin:audit")).
			Get("/events", EventsHandler(d.Events))
	}
}
