package ssh

import (
	"context"
	"fmt"
)

// GPUVerifier confirms that a host which answers SSH also has working
// GPUs. Marketplaces occasionally hand out machines with a wedged
// driver; nvidia-smi is the only way to tell before a workload lands.
type GPUVerifier struct {
	exec *Executor
}

// GPUVerifierOption configures the verifier's underlying executor
type GPUVerifierOption = ExecutorOption

// NewGPUVerifier creates a verifier. Options apply to the connect and
// command timeouts of each check.
func NewGPUVerifier(opts ...GPUVerifierOption) *GPUVerifier {
	return &GPUVerifier{exec: NewExecutor(opts...)}
}

// VerifyGPUs connects to the host and requires at least wantGPUs healthy
// GPUs in nvidia-smi output. wantGPUs <= 0 means one.
func (v *GPUVerifier) VerifyGPUs(ctx context.Context, host string, port int, user, privateKey string, wantGPUs int) error {
	conn, err := v.exec.Connect(ctx, host, port, user, privateKey)
	if err != nil {
		return fmt.Errorf("connecting for GPU check: %w", err)
	}
	defer conn.Close()

	gpus, err := v.exec.GetGPUStatus(ctx, conn)
	if err != nil {
		return err
	}
	return checkGPUHealth(gpus, wantGPUs)
}

// checkGPUHealth applies the verification policy to parsed nvidia-smi
// output: overheated or memory-exhausted GPUs do not count.
func checkGPUHealth(gpus []GPUStatus, wantGPUs int) error {
	want := wantGPUs
	if want <= 0 {
		want = 1
	}
	healthy := 0
	for i := range gpus {
		if gpus[i].IsHealthy() {
			healthy++
		}
	}
	if healthy < want {
		return fmt.Errorf("%d of %d GPUs healthy, need %d", healthy, len(gpus), want)
	}
	return nil
}
