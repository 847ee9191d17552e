package endpoints

import (
	"github.com/jackzampolin/bindery/internal/api"
)

// All returns all endpoint instances.
func All() []api.Endpoint {
	return []api.Endpoint{
		// Health endpoints
		&HealthEndpoint{},
		&ReadyEndpoint{},
		&StatusEndpoint{},

		// Document endpoints
		&UploadDocumentEndpoint{},
		&ListDocumentsEndpoint{},
		&GetDocumentEndpoint{},
		&ListChaptersEndpoint{},
		&ResubmitDocumentEndpoint{},

		// Status endpoints
		&DocumentStatusEndpoint{},
		&BatchStatusEndpoint{},
		&ProgressStreamEndpoint{},

		// Job endpoints
		&ListJobsEndpoint{},
		&GetJobEndpoint{},

		// Cache endpoints
		&CacheStatsEndpoint{},
		&CacheEvictEndpoint{},

		// Swagger/OpenAPI endpoints
		&SwaggerEndpoint{},
		&SwaggerUIEndpoint{},
	}
}
