package ssh

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckGPUHealth(t *testing.T) {
	healthy := GPUStatus{Name: "NVIDIA RTX 4090", MemoryUsedMB: 512, MemoryTotalMB: 24576, TemperatureC: 55}
	overheated := GPUStatus{Name: "NVIDIA RTX 4090", MemoryUsedMB: 512, MemoryTotalMB: 24576, TemperatureC: 95}
	exhausted := GPUStatus{Name: "NVIDIA RTX 4090", MemoryUsedMB: 24576, MemoryTotalMB: 24576, TemperatureC: 60}

	tests := []struct {
		name    string
		gpus    []GPUStatus
		want    int
		wantErr string
	}{
		{
			name: "single healthy GPU",
			gpus: []GPUStatus{healthy},
			want: 1,
		},
		{
			name: "want zero defaults to one",
			gpus: []GPUStatus{healthy},
			want: 0,
		},
		{
			name:    "overheated GPU does not count",
			gpus:    []GPUStatus{overheated},
			want:    1,
			wantErr: "0 of 1 GPUs healthy, need 1",
		},
		{
			name:    "memory-exhausted GPU does not count",
			gpus:    []GPUStatus{exhausted},
			want:    1,
			wantErr: "0 of 1 GPUs healthy, need 1",
		},
		{
			name: "partial degradation above the bar",
			gpus: []GPUStatus{healthy, overheated, healthy},
			want: 2,
		},
		{
			name:    "partial degradation below the bar",
			gpus:    []GPUStatus{healthy, overheated},
			want:    2,
			wantErr: "1 of 2 GPUs healthy, need 2",
		},
		{
			name:    "no GPUs at all",
			gpus:    nil,
			want:    1,
			wantErr: "0 of 0 GPUs healthy, need 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkGPUHealth(tt.gpus, tt.want)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, tt.wantErr)
		})
	}
}
