// Package config is the engine's parameter registry: named, typed
// parameters that can be set from command-line flags or an hcl config
// file.
package config

import (
	"fmt"
	"sort"
	"strings"
)

type Value interface {
	Set(string) error
	SetValue(interface{}) error
	String() string
}

type setBy int

const (
	byDefault setBy = iota
	byConfig
	byFlag
)

type Param struct {
	Name   string
	Val    Value
	hidden bool
	by     setBy
}

// Hide excludes the parameter from listings; used for experimental
// flags.
func (param *Param) Hide() *Param {
	param.hidden = true
	return param
}

// Config is one registry of parameters.
type Config struct {
	params map[string]*Param
}

func NewConfig() *Config {
	return &Config{
		params: map[string]*Param{},
	}
}

func (cfg *Config) addParam(name string, val Value) *Param {
	name = strings.ToLower(name)
	if _, ok := cfg.params[name]; ok {
		panic(fmt.Sprintf("config: param redefined: %s", name))
	}
	param := &Param{Name: name, Val: val}
	cfg.params[name] = param
	return param
}

// Var registers a parameter backed by a pointer; the pointer's current
// value is the default.
func (cfg *Config) Var(p interface{}, name string) *Param {
	switch v := p.(type) {
	case *bool:
		return cfg.addParam(name, (*boolValue)(v))
	case *int:
		return cfg.addParam(name, (*intValue)(v))
	case *int64:
		return cfg.addParam(name, (*int64Value)(v))
	case *uint:
		return cfg.addParam(name, (*uintValue)(v))
	case *uint32:
		return cfg.addParam(name, (*uint32Value)(v))
	case *uint64:
		return cfg.addParam(name, (*uint64Value)(v))
	case *string:
		return cfg.addParam(name, (*stringValue)(v))
	}
	panic(fmt.Sprintf("config: unsupported param type for %s: %T", name, p))
}

// Set updates one parameter from a string; used for --param name=value
// command-line settings.
func (cfg *Config) Set(name, val string) error {
	param, ok := cfg.params[strings.ToLower(name)]
	if !ok {
		return fmt.Errorf("config: %s is not a param", name)
	}
	err := param.Val.Set(val)
	if err != nil {
		return fmt.Errorf("config: param %s: %s", name, err)
	}
	param.by = byFlag
	return nil
}

// AllParams returns the visible parameters sorted by name.
func (cfg *Config) AllParams() []*Param {
	list := make([]*Param, 0, len(cfg.params))
	for _, param := range cfg.params {
		if !param.hidden {
			list = append(list, param)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Name < list[j].Name
	})
	return list
}
