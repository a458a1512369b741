package bandwidth

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/showwin/speedtest-go/speedtest"
)

// RunFullSpeedTest performs a real nearest-server download benchmark via
// speedtest-go, grounded on the teacher's internal/network/speedtest.go
// (RunSpeedTestWithEvents). Unlike the teacher, which runs this on every
// startup, it is invoked only when an operator explicitly requests a
// higher-fidelity seed than the default HEAD probe (DetectSeed) — the
// full ping+download+upload benchmark takes seconds and downloads real
// payload, which is too heavy to run unconditionally at engine start.
func RunFullSpeedTest(ctx context.Context, log *slog.Logger) (bytesPerSecond int64, err error) {
	if log == nil {
		log = slog.Default()
	}

	client := speedtest.New()

	servers, err := client.FetchServers()
	if err != nil {
		return 0, fmt.Errorf("bandwidth: fetch servers: %w", err)
	}
	targets, err := servers.FindServer(nil)
	if err != nil || len(targets) == 0 {
		return 0, fmt.Errorf("bandwidth: find server: %w", err)
	}
	server := targets[0]

	if err := server.PingTestContext(ctx, nil); err != nil {
		log.Warn("bandwidth: speedtest ping failed", "error", err)
	}
	if err := server.DownloadTestContext(ctx); err != nil {
		return 0, fmt.Errorf("bandwidth: download test: %w", err)
	}

	bps := int64(server.DLSpeed) // speedtest-go reports DLSpeed as a ByteRate, already bytes/sec
	if bps <= 0 {
		return 0, fmt.Errorf("bandwidth: speedtest produced no usable measurement")
	}
	log.Info("bandwidth: full speedtest complete", "server", server.Host, "bytesPerSecond", bps)
	return bps, nil
}
