package render

import (
	"fmt"

	"github.com/skiff-dev/skiff/internal/config"
	"gopkg.in/yaml.v3"
)

type composeService struct {
	Image       string                      `yaml:"image,omitempty"`
	Build       string                      `yaml:"build,omitempty"`
	Restart     string                      `yaml:"restart"`
	Environment map[string]string           `yaml:"environment,omitempty"`
	Ports       []string                    `yaml:"ports,omitempty"`
	DependsOn   map[string]dependsCondition `yaml:"depends_on,omitempty"`
	Healthcheck *healthcheck                `yaml:"healthcheck,omitempty"`
}

type dependsCondition struct {
	Condition string `yaml:"condition"`
}

type healthcheck struct {
	Test     []string `yaml:"test"`
	Interval string   `yaml:"interval"`
	Timeout  string   `yaml:"timeout"`
	Retries  int      `yaml:"retries"`
}

type composeFile struct {
	Services map[string]composeService `yaml:"services"`
}

// Compose renders the container stack definition for upload to the target.
// Secret-valued environment variables are resolved from the secrets store at
// render time; the YAML on disk at the controller never contains them.
func Compose(services []config.Service, secrets map[string]string) ([]byte, error) {
	byName := map[string]config.Service{}
	for _, s := range services {
		byName[s.Name] = s
	}

	out := composeFile{Services: map[string]composeService{}}
	for _, s := range services {
		cs := composeService{
			Image:   s.Image,
			Build:   s.Build,
			Restart: "unless-stopped",
			Ports:   s.Ports,
		}
		if len(s.Env) > 0 || len(s.EnvRefs) > 0 {
			cs.Environment = map[string]string{}
			for k, v := range s.Env {
				cs.Environment[k] = v
			}
			for _, ref := range s.EnvRefs {
				v := config.ResolveSecret(secrets, ref)
				if v == "" {
					return nil, config.ConfigError{Field: "service.env_refs", Value: ref, Message: fmt.Sprintf("secret for service %s not found", s.Name)}
				}
				cs.Environment[ref] = v
			}
		}
		if len(s.DependsOn) > 0 {
			cs.DependsOn = map[string]dependsCondition{}
			for _, dep := range s.DependsOn {
				cond := "service_started"
				if byName[dep].HealthCmd != "" {
					cond = "service_healthy"
				}
				cs.DependsOn[dep] = dependsCondition{Condition: cond}
			}
		}
		if s.HealthCmd != "" {
			cs.Healthcheck = &healthcheck{
				Test:     []string{"CMD-SHELL", s.HealthCmd},
				Interval: "5s",
				Timeout:  "3s",
				Retries:  12,
			}
		}
		out.Services[s.Name] = cs
	}

	data, err := yaml.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("render compose: %w", err)
	}
	return data, nil
}
