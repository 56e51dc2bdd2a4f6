package alert

import (
	"fmt"

	"github.com/hazyhaar/vigie/monitor/internal/fieldpath"
	"github.com/hazyhaar/vigie/monitor/internal/store"
	"github.com/hazyhaar/vigie/notify"
)

// Payload renders a fired watch as a notification for its recipient.
func (f Fired) Payload(entityTitle, entityURL string) notify.Payload {
	w := f.Watch
	title := fmt.Sprintf("%s: %s %s", entityTitle, w.FieldPath, verb(w.Condition))
	body := fmt.Sprintf("%v -> %v", f.Old, f.New)
	data := map[string]any{
		"watch_id":  w.ID,
		"entity_id": w.EntityID,
		"field":     w.FieldPath,
		"condition": w.Condition,
		"old":       f.Old,
		"new":       f.New,
	}
	if entityURL != "" {
		data["url"] = entityURL
	}

	prio := notify.PriorityNormal
	if o, ok := fieldpath.Numeric(f.Old); ok && !o.IsZero() {
		if n, ok := fieldpath.Numeric(f.New); ok {
			pct := n.Sub(o).Div(o.Abs()).Mul(hundred).Round(2)
			data["change_pct"] = pct.String()
			body = fmt.Sprintf("%s (%s%%)", body, signed(pct.String()))
		}
	}
	if w.Condition == store.CondThreshold {
		prio = notify.PriorityHigh
		data["threshold_pct"] = w.ThresholdPct
	}

	return notify.Payload{
		Title:       title,
		Body:        body,
		Priority:    prio,
		Data:        data,
		RecipientID: w.RecipientID,
	}
}

func verb(cond string) string {
	switch cond {
	case store.CondIncrease:
		return "increased"
	case store.CondDecrease:
		return "decreased"
	case store.CondThreshold:
		return "crossed threshold"
	}
	return "changed"
}

func signed(s string) string {
	if len(s) > 0 && s[0] != '-' {
		return "+" + s
	}
	return s
}
