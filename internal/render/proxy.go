package render

import (
	"bytes"
	"fmt"
	"path"
	"text/template"

	"github.com/skiff-dev/skiff/internal/config"
)

// proxyTemplate is the reverse-proxy server block written to the target:
// HTTPS terminated with the origin certificate, traffic forwarded to the
// local application port with client IP and protocol headers preserved,
// plain HTTP redirected.
const proxyTemplate = `server {
    listen 443 ssl;
    server_name {{.Domain}};

    ssl_certificate {{.CertFile}};
    ssl_certificate_key {{.KeyFile}};

    location / {
        proxy_pass http://127.0.0.1:{{.AppPort}};
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header X-Forwarded-Proto $scheme;
    }
}

server {
    listen 80;
    server_name {{.Domain}};
    return 301 https://$host$request_uri;
}
`

type proxyParams struct {
	Domain   string
	CertFile string
	KeyFile  string
	AppPort  int
}

// ProxyConf renders the reverse-proxy config for a target.
func ProxyConf(t config.Target) (string, error) {
	if t.Domain == "" {
		return "", config.ConfigError{Field: "target.domain", Value: t.Name, Message: "domain required to render proxy config"}
	}
	if t.AppPort == 0 {
		return "", config.ConfigError{Field: "target.app_port", Value: t.Name, Message: "app_port required to render proxy config"}
	}
	tpl := template.Must(template.New("proxy").Parse(proxyTemplate))
	var buf bytes.Buffer
	err := tpl.Execute(&buf, proxyParams{
		Domain:   t.Domain,
		CertFile: RemoteCertPath(t),
		KeyFile:  RemoteKeyPath(t),
		AppPort:  t.AppPort,
	})
	if err != nil {
		return "", fmt.Errorf("render proxy config: %w", err)
	}
	return buf.String(), nil
}

// RemoteCertPath is where the provision step places the origin certificate.
func RemoteCertPath(t config.Target) string {
	return path.Join(t.Cert.RemoteDir, t.Domain+".pem")
}

// RemoteKeyPath is where the provision step places the origin private key.
func RemoteKeyPath(t config.Target) string {
	return path.Join(t.Cert.RemoteDir, t.Domain+".key")
}
