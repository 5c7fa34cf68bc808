package exporter

import (
	"context"
	"fmt"
	"log/slog"

	collectorpb "go.opentelemetry.io/proto/otlp/collector/profiles/v1development"
	profilespb "go.opentelemetry.io/proto/otlp/profiles/v1development"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// PushOltpProfile sends data to the OTLP profiles service at endpoint. The
// connection is plaintext unless opts supply transport credentials.
func PushOltpProfile(ctx context.Context, endpoint string, data *profilespb.ProfilesData, opts ...grpc.DialOption) error {
	dialOpts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(endpoint, dialOpts...)
	if err != nil {
		return fmt.Errorf("failed to create OTLP client for %s: %w", endpoint, err)
	}
	defer conn.Close()

	client := collectorpb.NewProfilesServiceClient(conn)
	resp, err := client.Export(ctx, &collectorpb.ExportProfilesServiceRequest{
		ResourceProfiles: data.GetResourceProfiles(),
		Dictionary:       data.GetDictionary(),
	})
	if err != nil {
		return fmt.Errorf("failed to export profile to %s: %w", endpoint, err)
	}
	if ps := resp.GetPartialSuccess(); ps != nil && (ps.GetRejectedProfiles() > 0 || ps.GetErrorMessage() != "") {
		slog.Warn("OTLP collector partially rejected the profile",
			"endpoint", endpoint,
			"rejected_profiles", ps.GetRejectedProfiles(),
			"message", ps.GetErrorMessage())
	}
	slog.Info("Pushed OTLP profile", "endpoint", endpoint)
	return nil
}
