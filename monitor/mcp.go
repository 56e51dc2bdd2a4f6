package monitor

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/vigie/kit"
	"github.com/hazyhaar/vigie/monitor/internal/store"
	"github.com/hazyhaar/vigie/notify"
	"github.com/hazyhaar/vigie/schedule"
)

// RegisterMCP registers all monitor tools on an MCP server.
func (svc *Service) RegisterMCP(srv *mcp.Server) {
	svc.registerAddSource(srv)
	svc.registerListSources(srv)
	svc.registerRemoveSource(srv)
	svc.registerCheckNow(srv)
	svc.registerRunHistory(srv)
	svc.registerGetEntity(srv)
	svc.registerListEntities(srv)
	svc.registerEntityHistory(srv)
	svc.registerListWatches(srv)
	svc.registerCreateWatch(srv)
	svc.registerCancelWatch(srv)
	svc.registerListJobs(srv)
	svc.registerCreateJob(srv)
	svc.registerCancelJob(srv)
	svc.registerResumeJob(srv)
	svc.registerSetPreference(srv)
	svc.registerGetPreference(srv)
}

// addTool registers fn as the endpoint of tool, decoding arguments into T.
func addTool[T any](svc *Service, srv *mcp.Server, tool *mcp.Tool, fn func(ctx context.Context, p *T) (any, error)) {
	endpoint := kit.Logging(svc.logger, tool.Name)(func(ctx context.Context, r any) (any, error) {
		return fn(ctx, r.(*T))
	})
	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeArgs[T]())
}

var okStatus = map[string]string{"status": "ok"}

func str(desc string) map[string]any { return map[string]any{"type": "string", "description": desc} }
func integer(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}

// --- Sources ---

func (svc *Service) registerAddSource(srv *mcp.Server) {
	type req struct {
		Name           string   `json:"name"`
		Target         string   `json:"target"`
		Instructions   string   `json:"instructions"`
		Interval       int      `json:"interval_minutes"`
		Cron           string   `json:"cron"`
		TimeoutMs      int64    `json:"timeout_ms"`
		HashMode       string   `json:"hash_mode"`
		VolatileFields []string `json:"volatile_fields"`
	}
	tool := &mcp.Tool{
		Name:        "vigie_add_source",
		Description: "Register a source to monitor. Its first check is scheduled immediately.",
		InputSchema: kit.InputSchema(map[string]any{
			"name":             str("Source name"),
			"target":           str("URL or identifier handed to the extraction adapter"),
			"instructions":     str("Extraction instructions for the adapter"),
			"interval_minutes": integer("Re-check interval in minutes (default 1440)"),
			"cron":             str("Five-field cron expression, instead of interval_minutes"),
			"timeout_ms":       integer("Adapter timeout in milliseconds"),
			"hash_mode":        str("Change detection policy: text, data or both"),
			"volatile_fields": map[string]any{
				"type": "array", "items": map[string]any{"type": "string"},
				"description": "Data keys ignored when detecting changes",
			},
		}, []string{"name", "target"}),
	}
	addTool(svc, srv, tool, func(ctx context.Context, p *req) (any, error) {
		src := &store.Source{
			Name:            p.Name,
			Target:          p.Target,
			Instructions:    p.Instructions,
			IntervalMinutes: p.Interval,
			CronExpr:        p.Cron,
			TimeoutMs:       p.TimeoutMs,
			HashMode:        p.HashMode,
			VolatileFields:  p.VolatileFields,
		}
		if err := svc.AddSource(ctx, src); err != nil {
			return nil, err
		}
		return src, nil
	})
}

func (svc *Service) registerListSources(srv *mcp.Server) {
	type req struct {
		EnabledOnly bool `json:"enabled_only"`
	}
	tool := &mcp.Tool{
		Name:        "vigie_list_sources",
		Description: "List monitored sources with their last run status",
		InputSchema: kit.InputSchema(map[string]any{
			"enabled_only": map[string]any{"type": "boolean", "description": "Only enabled sources"},
		}, nil),
	}
	addTool(svc, srv, tool, func(ctx context.Context, p *req) (any, error) {
		return svc.ListSources(ctx, p.EnabledOnly)
	})
}

func (svc *Service) registerRemoveSource(srv *mcp.Server) {
	type req struct {
		SourceID string `json:"source_id"`
	}
	tool := &mcp.Tool{
		Name:        "vigie_remove_source",
		Description: "Disable a source and cancel its checks. History is kept.",
		InputSchema: kit.InputSchema(map[string]any{
			"source_id": str("Source ID"),
		}, []string{"source_id"}),
	}
	addTool(svc, srv, tool, func(ctx context.Context, p *req) (any, error) {
		if err := svc.RemoveSource(ctx, p.SourceID); err != nil {
			return nil, err
		}
		return okStatus, nil
	})
}

func (svc *Service) registerCheckNow(srv *mcp.Server) {
	type req struct {
		SourceID string `json:"source_id"`
	}
	tool := &mcp.Tool{
		Name:        "vigie_check_now",
		Description: "Check a source immediately and return the run summary",
		InputSchema: kit.InputSchema(map[string]any{
			"source_id": str("Source ID"),
		}, []string{"source_id"}),
	}
	addTool(svc, srv, tool, func(ctx context.Context, p *req) (any, error) {
		res, err := svc.CheckNow(ctx, p.SourceID)
		if res != nil && res.Run != nil {
			// A failed fetch is still a recorded run.
			return res, nil
		}
		return res, err
	})
}

func (svc *Service) registerRunHistory(srv *mcp.Server) {
	type req struct {
		SourceID string `json:"source_id"`
		Limit    int    `json:"limit"`
	}
	tool := &mcp.Tool{
		Name:        "vigie_run_history",
		Description: "Recent scrape runs of a source with success statistics",
		InputSchema: kit.InputSchema(map[string]any{
			"source_id": str("Source ID"),
			"limit":     integer("Max runs (default 50)"),
		}, []string{"source_id"}),
	}
	addTool(svc, srv, tool, func(ctx context.Context, p *req) (any, error) {
		return svc.RunHistory(ctx, p.SourceID, p.Limit)
	})
}

// --- Entities ---

func (svc *Service) registerGetEntity(srv *mcp.Server) {
	type req struct {
		EntityID  string `json:"entity_id"`
		Snapshots int    `json:"snapshots"`
		Field     string `json:"field"`
	}
	tool := &mcp.Tool{
		Name:        "vigie_get_entity",
		Description: "Get an entity with its latest snapshots and, for a numeric field, its 30/90 day trend",
		InputSchema: kit.InputSchema(map[string]any{
			"entity_id": str("Entity ID"),
			"snapshots": integer("Number of snapshots (default 10)"),
			"field":     str("Field path for the trend, e.g. data.price"),
		}, []string{"entity_id"}),
	}
	addTool(svc, srv, tool, func(ctx context.Context, p *req) (any, error) {
		return svc.GetEntity(ctx, p.EntityID, p.Snapshots, p.Field)
	})
}

func (svc *Service) registerListEntities(srv *mcp.Server) {
	type req struct {
		SourceID string `json:"source_id"`
		Status   string `json:"status"`
	}
	tool := &mcp.Tool{
		Name:        "vigie_list_entities",
		Description: "List the entities tracked for a source",
		InputSchema: kit.InputSchema(map[string]any{
			"source_id": str("Source ID"),
			"status":    str("active or removed (default all)"),
		}, []string{"source_id"}),
	}
	addTool(svc, srv, tool, func(ctx context.Context, p *req) (any, error) {
		return svc.ListEntities(ctx, p.SourceID, p.Status)
	})
}

func (svc *Service) registerEntityHistory(srv *mcp.Server) {
	type req struct {
		EntityID  string `json:"entity_id"`
		SinceDays int    `json:"since_days"`
	}
	tool := &mcp.Tool{
		Name:        "vigie_entity_history",
		Description: "Snapshots of an entity, oldest first",
		InputSchema: kit.InputSchema(map[string]any{
			"entity_id":  str("Entity ID"),
			"since_days": integer("Only the last N days (default all)"),
		}, []string{"entity_id"}),
	}
	addTool(svc, srv, tool, func(ctx context.Context, p *req) (any, error) {
		return svc.History(ctx, p.EntityID, p.SinceDays)
	})
}

// --- Watches ---

func (svc *Service) registerListWatches(srv *mcp.Server) {
	type req struct {
		EntityID string `json:"entity_id"`
	}
	tool := &mcp.Tool{
		Name:        "vigie_list_watches",
		Description: "List active watches, optionally for one entity",
		InputSchema: kit.InputSchema(map[string]any{
			"entity_id": str("Entity ID"),
		}, nil),
	}
	addTool(svc, srv, tool, func(ctx context.Context, p *req) (any, error) {
		return svc.ListWatches(ctx, p.EntityID)
	})
}

func (svc *Service) registerCreateWatch(srv *mcp.Server) {
	type req struct {
		EntityID     string  `json:"entity_id"`
		RecipientID  string  `json:"recipient_id"`
		FieldPath    string  `json:"field_path"`
		Condition    string  `json:"condition"`
		ThresholdPct float64 `json:"threshold_pct"`
	}
	tool := &mcp.Tool{
		Name:        "vigie_create_watch",
		Description: "Watch one field of an entity and notify a recipient when the condition holds",
		InputSchema: kit.InputSchema(map[string]any{
			"entity_id":     str("Entity ID"),
			"recipient_id":  str("Recipient to notify (defaults to the caller)"),
			"field_path":    str("Field path, e.g. data.items[0].price"),
			"condition":     str("any_change, increase, decrease or threshold"),
			"threshold_pct": map[string]any{"type": "number", "description": "Percent change for threshold"},
		}, []string{"entity_id", "field_path", "condition"}),
	}
	addTool(svc, srv, tool, func(ctx context.Context, p *req) (any, error) {
		recipient := p.RecipientID
		if recipient == "" {
			recipient = kit.GetRecipientID(ctx)
		}
		w := &store.Watch{
			EntityID:     p.EntityID,
			RecipientID:  recipient,
			FieldPath:    p.FieldPath,
			Condition:    p.Condition,
			ThresholdPct: p.ThresholdPct,
		}
		if err := svc.CreateWatch(ctx, w); err != nil {
			return nil, err
		}
		return w, nil
	})
}

func (svc *Service) registerCancelWatch(srv *mcp.Server) {
	type req struct {
		WatchID string `json:"watch_id"`
	}
	tool := &mcp.Tool{
		Name:        "vigie_cancel_watch",
		Description: "Stop evaluating a watch",
		InputSchema: kit.InputSchema(map[string]any{
			"watch_id": str("Watch ID"),
		}, []string{"watch_id"}),
	}
	addTool(svc, srv, tool, func(ctx context.Context, p *req) (any, error) {
		if err := svc.CancelWatch(ctx, p.WatchID); err != nil {
			return nil, err
		}
		return okStatus, nil
	})
}

// --- Jobs ---

func (svc *Service) registerListJobs(srv *mcp.Server) {
	type req struct {
		TargetID   string `json:"target_id"`
		Kind       string `json:"kind"`
		ActiveOnly bool   `json:"active_only"`
	}
	tool := &mcp.Tool{
		Name:        "vigie_list_jobs",
		Description: "List scheduled jobs ordered by next run",
		InputSchema: kit.InputSchema(map[string]any{
			"target_id":   str("Source or watch ID"),
			"kind":        str("source_check or watch_check"),
			"active_only": map[string]any{"type": "boolean", "description": "Hide cancelled jobs"},
		}, nil),
	}
	addTool(svc, srv, tool, func(ctx context.Context, p *req) (any, error) {
		return svc.ListJobs(ctx, schedule.Filter{TargetID: p.TargetID, Kind: p.Kind, ActiveOnly: p.ActiveOnly})
	})
}

func (svc *Service) registerCreateJob(srv *mcp.Server) {
	type req struct {
		TargetID string `json:"target_id"`
		Kind     string `json:"kind"`
		Interval int    `json:"interval_minutes"`
		Cron     string `json:"cron"`
	}
	tool := &mcp.Tool{
		Name:        "vigie_create_job",
		Description: "Schedule a source or watch check. Without interval or cron the job runs once.",
		InputSchema: kit.InputSchema(map[string]any{
			"target_id":        str("Source or watch ID"),
			"kind":             str("source_check or watch_check"),
			"interval_minutes": integer("Re-run interval in minutes"),
			"cron":             str("Five-field cron expression"),
		}, []string{"target_id", "kind"}),
	}
	addTool(svc, srv, tool, func(ctx context.Context, p *req) (any, error) {
		j := &schedule.Job{TargetID: p.TargetID, Kind: p.Kind, IntervalMinutes: p.Interval, CronExpr: p.Cron}
		if err := svc.CreateJob(ctx, j); err != nil {
			return nil, err
		}
		return j, nil
	})
}

func (svc *Service) registerCancelJob(srv *mcp.Server) {
	type req struct {
		JobID string `json:"job_id"`
	}
	tool := &mcp.Tool{
		Name:        "vigie_cancel_job",
		Description: "Cancel a scheduled job; it never runs again",
		InputSchema: kit.InputSchema(map[string]any{
			"job_id": str("Job ID"),
		}, []string{"job_id"}),
	}
	addTool(svc, srv, tool, func(ctx context.Context, p *req) (any, error) {
		if err := svc.CancelJob(ctx, p.JobID); err != nil {
			return nil, err
		}
		return okStatus, nil
	})
}

func (svc *Service) registerResumeJob(srv *mcp.Server) {
	type req struct {
		JobID string `json:"job_id"`
	}
	tool := &mcp.Tool{
		Name:        "vigie_resume_job",
		Description: "Reactivate a cancelled job; it runs now or at its next cron tick",
		InputSchema: kit.InputSchema(map[string]any{
			"job_id": str("Job ID"),
		}, []string{"job_id"}),
	}
	addTool(svc, srv, tool, func(ctx context.Context, p *req) (any, error) {
		if err := svc.ResumeJob(ctx, p.JobID); err != nil {
			return nil, err
		}
		return okStatus, nil
	})
}

// --- Preferences ---

func (svc *Service) registerSetPreference(srv *mcp.Server) {
	type req struct {
		RecipientID string         `json:"recipient_id"`
		Routes      []notify.Route `json:"routes"`
	}
	tool := &mcp.Tool{
		Name:        "vigie_set_preference",
		Description: "Set the delivery routes of a recipient, in order",
		InputSchema: kit.InputSchema(map[string]any{
			"recipient_id": str("Recipient ID (defaults to the caller)"),
			"routes": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"channel": str("webhook, slack, telegram, sms, redis or kafka"),
						"address": str("Channel address"),
					},
					"required": []string{"channel", "address"},
				},
			},
		}, []string{"routes"}),
	}
	addTool(svc, srv, tool, func(ctx context.Context, p *req) (any, error) {
		pref := &notify.Preference{RecipientID: p.RecipientID, Routes: p.Routes}
		if pref.RecipientID == "" {
			pref.RecipientID = kit.GetRecipientID(ctx)
		}
		if err := svc.PutPreference(ctx, pref); err != nil {
			return nil, err
		}
		return pref, nil
	})
}

func (svc *Service) registerGetPreference(srv *mcp.Server) {
	type req struct {
		RecipientID string `json:"recipient_id"`
	}
	tool := &mcp.Tool{
		Name:        "vigie_get_preference",
		Description: "Get the delivery routes of a recipient",
		InputSchema: kit.InputSchema(map[string]any{
			"recipient_id": str("Recipient ID (defaults to the caller)"),
		}, nil),
	}
	addTool(svc, srv, tool, func(ctx context.Context, p *req) (any, error) {
		id := p.RecipientID
		if id == "" {
			id = kit.GetRecipientID(ctx)
		}
		return svc.GetPreference(ctx, id)
	})
}
