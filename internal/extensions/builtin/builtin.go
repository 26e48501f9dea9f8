// Package builtin holds the code of the extensions shipped in the default
// catalog.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rcourtman/extension-manager/internal/extensions"
)

// settingsKey is where an extension keeps its own settings.
func settingsKey(slug string) string {
	return "extmgr_ext_" + slug
}

// Register adds every shipped extension to r.
func Register(r *extensions.Registry) error {
	for _, m := range Modules() {
		if err := r.Register(m); err != nil {
			return err
		}
	}
	return nil
}

// Modules returns the shipped extensions.
func Modules() []extensions.Module {
	return []extensions.Module{
		{
			Slug:  "title-fix",
			Entry: seedSettings("title-fix", map[string]any{"enforce": true}),
		},
		{
			Slug:  "incognito",
			Entry: seedSettings("incognito", map[string]any{"hide_generator": true, "hide_comments": true}),
		},
		{
			Slug:      "multilang",
			Namespace: "Multilang",
			Entry:     seedSettings("multilang", map[string]any{"languages": []string{"en"}}),
			Components: map[string]extensions.Func{
				"Core": announce("multilang core ready"),
			},
		},
		{
			Slug:      "analytics",
			Namespace: "Analytics",
			Entry:     seedSettings("analytics", map[string]any{"tracking_id": ""}),
			Components: map[string]extensions.Func{
				"Admin": announce("analytics admin ready"),
			},
		},
		{
			Slug:      "monitor",
			Namespace: "Monitor",
			Entry:     seedSettings("monitor", map[string]any{"interval_minutes": 60}),
			Files: map[string]extensions.Func{
				"inc/classes/monitor-data.yaml": requireSettings("monitor"),
			},
			Components: map[string]extensions.Func{
				"Admin": announce("monitor admin ready"),
				"Data":  announce("monitor data ready"),
			},
		},
	}
}

// seedSettings writes defaults the first time the extension runs.
func seedSettings(slug string, defaults map[string]any) extensions.Func {
	return func(ctx context.Context, env *extensions.Env) error {
		fmt.Fprintf(env.Output, "%s loaded\n", slug)
		if env.Options == nil {
			return nil
		}
		if _, found, err := env.Options.Get(ctx, settingsKey(slug)); err != nil || found {
			return err
		}
		raw, err := json.Marshal(defaults)
		if err != nil {
			return err
		}
		env.Logger.Debug().Str("slug", slug).Msg("Seeded extension settings")
		return env.Options.Set(ctx, settingsKey(slug), raw)
	}
}

func requireSettings(slug string) extensions.Func {
	return func(ctx context.Context, env *extensions.Env) error {
		if env.Options == nil {
			return nil
		}
		raw, found, err := env.Options.Get(ctx, settingsKey(slug))
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		var settings map[string]any
		if err := json.Unmarshal(raw, &settings); err != nil {
			return &extensions.ParseError{File: "inc/classes/" + slug + "-data.yaml", Line: 1, Msg: "unexpected settings document"}
		}
		return nil
	}
}

func announce(msg string) extensions.Func {
	return func(_ context.Context, env *extensions.Env) error {
		_, err := fmt.Fprintln(env.Output, msg)
		return err
	}
}
