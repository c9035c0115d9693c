package health

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Pinger is implemented by the document stores and the Redis client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingProbe checks a connection with Ping.
func PingProbe(p Pinger) Probe {
	return func(ctx context.Context) (map[string]any, error) {
		return nil, p.Ping(ctx)
	}
}

// HeadBucketAPI is the subset of the S3 client used by S3Probe.
type HeadBucketAPI interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Probe checks that a bucket exists and is reachable.
func S3Probe(client HeadBucketAPI, bucket string) Probe {
	return func(ctx context.Context) (map[string]any, error) {
		out, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
		if err != nil {
			return nil, fmt.Errorf("head bucket %s: %w", bucket, err)
		}
		meta := map[string]any{"bucket": bucket}
		if out.BucketRegion != nil {
			meta["region"] = *out.BucketRegion
		}
		return meta, nil
	}
}

// HTTPProbe issues a GET. 5xx is failed, other non-2xx statuses are degraded.
func HTTPProbe(client *http.Client, url string) Probe {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) (map[string]any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		meta := map[string]any{"status_code": resp.StatusCode}
		switch {
		case resp.StatusCode >= 500:
			return meta, fmt.Errorf("%s returned %d", url, resp.StatusCode)
		case resp.StatusCode >= 300:
			return meta, fmt.Errorf("%w: %s returned %d", ErrDegraded, url, resp.StatusCode)
		}
		return meta, nil
	}
}

// GRPCProbe calls the standard gRPC health service.
func GRPCProbe(conn grpc.ClientConnInterface, service string) Probe {
	client := healthpb.NewHealthClient(conn)
	return func(ctx context.Context) (map[string]any, error) {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			return nil, err
		}
		meta := map[string]any{"serving_status": resp.GetStatus().String()}
		switch resp.GetStatus() {
		case healthpb.HealthCheckResponse_SERVING:
			return meta, nil
		case healthpb.HealthCheckResponse_NOT_SERVING:
			return meta, fmt.Errorf("service %q is not serving", service)
		default:
			return meta, fmt.Errorf("%w: service %q reports %s", ErrDegraded, service, resp.GetStatus())
		}
	}
}

// DialGRPC opens a client connection for GRPCProbe, using TLS for https
// endpoints and port 443.
func DialGRPC(endpoint string) (*grpc.ClientConn, error) {
	target := endpoint
	var opts []grpc.DialOption

	if strings.HasPrefix(endpoint, "https://") || strings.HasSuffix(endpoint, ":443") {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{})))
		target = strings.TrimPrefix(target, "https://")
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
		target = strings.TrimPrefix(target, "http://")
	}

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial grpc endpoint %s: %w", target, err)
	}
	return conn, nil
}
