package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/iliyamo/slot-reservation/internal/config"
	"github.com/iliyamo/slot-reservation/internal/database"
	"github.com/iliyamo/slot-reservation/internal/model"
	"github.com/iliyamo/slot-reservation/internal/repository"
)

// seedService is one entry of a seed file.  Hours maps lower-case weekday
// names to "HH:MM-HH:MM".
type seedService struct {
	TenantID        string            `json:"tenant_id"`
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	DurationMinutes int               `json:"duration_minutes"`
	StepMinutes     int               `json:"slot_step_minutes"`
	HoldTTL         string            `json:"hold_ttl"`
	TimeZone        string            `json:"time_zone"`
	Hours           map[string]string `json:"hours"`
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday, "wednesday": time.Wednesday,
	"thursday": time.Thursday, "friday": time.Friday, "saturday": time.Saturday,
}

func (s seedService) toService() (model.Service, error) {
	if s.TenantID == "" || s.ID == "" {
		return model.Service{}, fmt.Errorf("service needs tenant_id and id")
	}
	if s.DurationMinutes <= 0 {
		return model.Service{}, fmt.Errorf("%s/%s: duration_minutes must be positive", s.TenantID, s.ID)
	}
	svc := model.Service{
		ID:       s.ID,
		TenantID: s.TenantID,
		Name:     s.Name,
		Duration: time.Duration(s.DurationMinutes) * time.Minute,
		SlotStep: time.Duration(s.StepMinutes) * time.Minute,
		BusinessHours: model.BusinessHours{
			TimeZone: s.TimeZone,
			Days:     map[time.Weekday]model.Window{},
		},
	}
	if s.HoldTTL != "" {
		d, err := time.ParseDuration(s.HoldTTL)
		if err != nil || d < 0 {
			return model.Service{}, fmt.Errorf("%s/%s: invalid hold_ttl %q", s.TenantID, s.ID, s.HoldTTL)
		}
		svc.HoldTTL = d
	}
	if s.TimeZone != "" {
		if _, err := time.LoadLocation(s.TimeZone); err != nil {
			return model.Service{}, fmt.Errorf("%s/%s: %w", s.TenantID, s.ID, err)
		}
	}
	for name, span := range s.Hours {
		day, ok := weekdays[strings.ToLower(name)]
		if !ok {
			return model.Service{}, fmt.Errorf("%s/%s: unknown weekday %q", s.TenantID, s.ID, name)
		}
		from, to, ok := strings.Cut(span, "-")
		if !ok {
			return model.Service{}, fmt.Errorf("%s/%s: hours %q must be HH:MM-HH:MM", s.TenantID, s.ID, span)
		}
		open, err := model.ParseTimeOfDay(from)
		if err != nil {
			return model.Service{}, err
		}
		closeAt, err := model.ParseClosingTime(to)
		if err != nil {
			return model.Service{}, err
		}
		if closeAt <= open {
			return model.Service{}, fmt.Errorf("%s/%s: %s closes before it opens", s.TenantID, s.ID, name)
		}
		svc.BusinessHours.Days[day] = model.Window{Open: open, Close: closeAt}
	}
	return svc, nil
}

func parseSeed(b []byte) ([]model.Service, error) {
	var entries []seedService
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("decode seed file: %w", err)
	}
	out := make([]model.Service, 0, len(entries))
	for _, e := range entries {
		svc, err := e.toService()
		if err != nil {
			return nil, err
		}
		out = append(out, svc)
	}
	return out, nil
}

func newSeedCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load services and business hours from a JSON file into MySQL",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			services, err := parseSeed(b)
			if err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			db, err := database.Open(cfg.DB.User, cfg.DB.Pass, cfg.DB.Host, cfg.DB.Port, cfg.DB.Name)
			if err != nil {
				return fmt.Errorf("mysql: %w", err)
			}
			defer db.Close()

			ctx := context.Background()
			if err := database.EnsureSchema(ctx, db); err != nil {
				return err
			}
			repo := repository.NewServiceRepo(db)
			var cache *repository.CachedCatalog
			if client := config.NewRedisClient(cfg.Redis); client != nil {
				defer client.Close()
				cache = repository.NewCachedCatalog(repo, client, cfg.CatalogCache.TTL, cfg.CatalogCache.Prefix, nil)
			}
			for _, svc := range services {
				if err := repo.SaveService(ctx, svc); err != nil {
					return fmt.Errorf("save %s/%s: %w", svc.TenantID, svc.ID, err)
				}
				if cache != nil {
					_ = cache.Invalidate(ctx, svc.TenantID, svc.ID)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "seeded %s/%s\n", svc.TenantID, svc.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "services.json", "seed file")
	return cmd
}
