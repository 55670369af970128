package main

import (
	"strings"
	"sync"

	"github.com/talkarr/talkarr/settings"
)

type commandContext struct {
	configFlag *string
	addrFlag   *string

	settingsOnce sync.Once
	settings     *settings.Settings
	settingsErr  error
}

func newCommandContext(configFlag, addrFlag *string) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		addrFlag:   addrFlag,
	}
}

func (c *commandContext) ensureSettings() (*settings.Settings, error) {
	c.settingsOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		c.settings, c.settingsErr = settings.Load(path)
	})
	return c.settings, c.settingsErr
}

// client returns a client of the API at --addr, or at the configured server address
func (c *commandContext) client() (*apiClient, error) {
	if c.addrFlag != nil && strings.TrimSpace(*c.addrFlag) != "" {
		return newAPIClient(*c.addrFlag), nil
	}

	s, err := c.ensureSettings()
	if err != nil {
		return nil, err
	}
	return newAPIClient(s.Server.Addr), nil
}
