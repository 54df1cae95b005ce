package acquirer

import (
	"fmt"

	"github.com/simplifysolutions/payment-moneris/acquirer/models"
)

// ConfigAcquirers serves acquirer settings from the loaded configuration.
type ConfigAcquirers struct {
	byEnv map[models.Environment]models.Acquirer
}

func NewConfigAcquirers(list []models.Acquirer) *ConfigAcquirers {
	byEnv := make(map[models.Environment]models.Acquirer, len(list))
	for _, a := range list {
		if _, ok := byEnv[a.Environment]; !ok {
			byEnv[a.Environment] = a
		}
	}
	return &ConfigAcquirers{byEnv: byEnv}
}

func (c *ConfigAcquirers) GetByEnvironment(env models.Environment) (models.Acquirer, error) {
	a, ok := c.byEnv[env]
	if !ok {
		return models.Acquirer{}, fmt.Errorf("acquirer for environment %q: %w", env, ErrNotFound)
	}
	return a, nil
}
