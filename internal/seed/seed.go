// Package seed loads template definitions from a YAML or JSON file into the
// store. Loading is idempotent: templates whose definition did not change
// keep their revision, so a reload never lifts a halt by accident.
package seed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskdist/internal/config"
	"taskdist/internal/models"
	"taskdist/internal/storage"
	logx "taskdist/pkg/logx"
)

// File is the seed format.
//
//	templates:
//	  - id: daily-inspection
//	    name: Daily inspection
//	    taskType: inspection
//	    cycleType: DAILY
//	    runAtMinute: 540
//	    dueAtMinute: 1080
//	    activeFrom: 2025-06-01T00:00:00Z
//	    allowLate: true
//	    maxBackfillPeriods: 3
//	    isActive: true
//	    assigneeMode:
//	      scope: { scopeType: DEPARTMENT, scopeQuery: { departmentIds: [d1] } }
//	      strategy: ROTATION
//	      completion: EACH
type File struct {
	Templates []storage.TemplateRecord `json:"templates"`
}

type Result struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
}

func ReadFile(path string) (File, error) {
	var f File
	if err := config.DecodeFile(path, &f); err != nil {
		return File{}, fmt.Errorf("seed: %w", err)
	}
	return f, nil
}

// LoadFile reads path and applies it to st.
func LoadFile(ctx context.Context, st storage.Store, path string, log logx.Logger) (Result, error) {
	f, err := ReadFile(path)
	if err != nil {
		return Result{}, err
	}
	return Apply(ctx, st, f, log)
}

// Apply validates every record first and writes nothing if any is invalid.
func Apply(ctx context.Context, st storage.Store, f File, log logx.Logger) (Result, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	tpls, err := decodeAll(f)
	if err != nil {
		return Result{}, err
	}

	var res Result
	for _, t := range tpls {
		prev, err := st.GetTemplate(ctx, t.ID)
		switch {
		case errors.Is(err, models.ErrNotFound):
			if _, err := st.PutTemplate(ctx, t); err != nil {
				return res, fmt.Errorf("seed %s: %w", t.ID, err)
			}
			res.Created++
			log.Info("template created", logx.String("template", t.ID))
			continue
		case err != nil:
			return res, fmt.Errorf("seed %s: %w", t.ID, err)
		}

		same, err := equivalent(prev, t)
		if err != nil {
			return res, fmt.Errorf("seed %s: %w", t.ID, err)
		}
		if same {
			res.Unchanged++
			continue
		}
		saved, err := st.PutTemplate(ctx, t)
		if err != nil {
			return res, fmt.Errorf("seed %s: %w", t.ID, err)
		}
		res.Updated++
		log.Info("template updated", logx.String("template", t.ID), logx.Int64("revision", saved.Revision))
	}
	return res, nil
}

func decodeAll(f File) ([]models.Template, error) {
	seen := map[string]struct{}{}
	out := make([]models.Template, 0, len(f.Templates))
	var errs []error
	for i, rec := range f.Templates {
		rec.ID = strings.TrimSpace(rec.ID)
		if rec.ID == "" {
			errs = append(errs, fmt.Errorf("templates[%d]: id is required", i))
			continue
		}
		if _, dup := seen[rec.ID]; dup {
			errs = append(errs, fmt.Errorf("templates[%d]: duplicate id %q", i, rec.ID))
			continue
		}
		seen[rec.ID] = struct{}{}
		if !rec.CycleType.Valid() {
			errs = append(errs, fmt.Errorf("template %s: unknown cycleType %q", rec.ID, rec.CycleType))
			continue
		}
		t, err := storage.DecodeTemplate(rec)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		t.Revision = 0
		t.NextRunAt = nil
		out = append(out, t)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("seed: %w", errors.Join(errs...))
	}
	return out, nil
}

// equivalent compares the user-editable part of two templates.
func equivalent(a, b models.Template) (bool, error) {
	fa, err := fingerprint(a)
	if err != nil {
		return false, err
	}
	fb, err := fingerprint(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(fa, fb), nil
}

func fingerprint(t models.Template) ([]byte, error) {
	rec, err := storage.EncodeTemplate(t)
	if err != nil {
		return nil, err
	}
	rec.Revision = 0
	rec.NextRunAt = nil
	rec.UpdatedAt = time.Time{}
	rec.ActiveFrom = rec.ActiveFrom.UTC()
	if rec.ActiveUntil != nil {
		u := rec.ActiveUntil.UTC()
		rec.ActiveUntil = &u
	}
	return json.Marshal(rec)
}
