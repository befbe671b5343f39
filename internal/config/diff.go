package config

import "reflect"

// ChangedSections lists the top-level sections that differ between two
// configs, in declaration order. Values are never returned, so secrets such
// as tokens stay out of logs.
func ChangedSections(oldCfg, newCfg *Config) []string {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	ov := reflect.ValueOf(*oldCfg)
	nv := reflect.ValueOf(*newCfg)
	t := ov.Type()

	var out []string
	for i := 0; i < t.NumField(); i++ {
		if reflect.DeepEqual(ov.Field(i).Interface(), nv.Field(i).Interface()) {
			continue
		}
		out = append(out, jsonName(t.Field(i)))
	}
	return out
}

// LiveSections are applied on hot reload; changes elsewhere need a restart.
var LiveSections = map[string]bool{
	"logging":  true,
	"notifier": true,
	"debug":    true,
}

func jsonName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	for i := 0; i < len(tag); i++ {
		if tag[i] == ',' {
			return tag[:i]
		}
	}
	if tag == "" {
		return f.Name
	}
	return tag
}
