package control

import (
	"context"
	"fmt"
	"net/http"

	"github.com/vietddude/pipewarden/internal/core/config"
	"github.com/vietddude/pipewarden/internal/health"
	s3provider "github.com/vietddude/pipewarden/internal/infra/provider/s3"
)

// buildChecks turns configured services into health probes.
func (a *App) buildChecks(ctx context.Context, uploaders map[string]*s3provider.Uploader) ([]health.ServiceCheck, error) {
	httpClient := &http.Client{}
	checks := make([]health.ServiceCheck, 0, len(a.cfg.Health.Services))

	for _, svc := range a.cfg.Health.Services {
		check := health.ServiceCheck{Name: svc.Name, Timeout: svc.Timeout, Critical: svc.Critical}

		switch svc.Kind {
		case config.ProbeStore:
			check.Probe = health.PingProbe(a.Store)

		case config.ProbeRedis:
			client, err := a.redisClient(ctx)
			if err != nil {
				return nil, fmt.Errorf("health service %s: %w", svc.Name, err)
			}
			check.Probe = health.PingProbe(client)

		case config.ProbeS3:
			// target names an upload provider or a bare bucket
			if u, ok := uploaders[svc.Target]; ok {
				check.Probe = health.S3Probe(u.API(), u.Bucket())
				break
			}
			client, err := s3provider.NewClient(ctx, s3provider.Config{Bucket: svc.Target})
			if err != nil {
				return nil, fmt.Errorf("health service %s: %w", svc.Name, err)
			}
			check.Probe = health.S3Probe(client, svc.Target)

		case config.ProbeGRPC:
			conn, err := health.DialGRPC(svc.Target)
			if err != nil {
				return nil, fmt.Errorf("health service %s: %w", svc.Name, err)
			}
			a.closers = append(a.closers, conn.Close)
			check.Probe = health.GRPCProbe(conn, "")

		case config.ProbeHTTP:
			check.Probe = health.HTTPProbe(httpClient, svc.Target)

		default:
			return nil, fmt.Errorf("health service %s: unknown probe kind %q", svc.Name, svc.Kind)
		}
		checks = append(checks, check)
	}
	return checks, nil
}
