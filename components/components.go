// Package components is the component factory: every store driver
// registers a plugin here and consumers load them by name.
package components

import (
	"github.com/KinderRiven/comanche/storage/hstore"
	"github.com/KinderRiven/comanche/storage/kvstore"
	"github.com/KinderRiven/comanche/storage/mapstore"
	"github.com/KinderRiven/comanche/storage/nvmestore"
)

var plugins []kvstore.Plugin

func init() {
	plugins = append(plugins, hstore.Plugins()...)
	plugins = append(plugins, mapstore.Plugins()...)
	plugins = append(plugins, nvmestore.Plugins()...)
}

// Plugin returns the plugin whose name matches the given name.
// It returns nil if no such plugin is found.
func Plugin(name string) kvstore.Plugin {
	for _, plugin := range plugins {
		if plugin.Name() == name {
			return plugin
		}
	}

	return nil
}

// Plugins lists all the plugins that are available
func Plugins() []kvstore.Plugin {
	return plugins
}
