package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/gpufleet/gpufleet/pkg/models"
)

var (
	rentOfferID      string
	rentImage        string
	rentDiskGB       float64
	rentOnStart      string
	rentEnv          map[string]string
	rentLabel        string
	rentVolumeID     string
	rentMountPoint   string
	rentStartStopped bool
	rentBidPrice     float64
	rentReason       string
	rentUserID       string

	actionReason string
	actionUserID string

	hibWorkspace string
	hibKind      string
	hibOwner     string

	wakeWorkspace  string
	wakeSnapshotID string
	wakeMinGPURAM  int
	wakeMaxPrice   float64
	wakeDiskGB     float64
	wakeImage      string
	wakeOnStart    string
)

var instancesCmd = &cobra.Command{
	Use:   "instances",
	Short: "Rent and manage GPU instances",
	Long:  `Rent GPU instances from the marketplace and drive their lifecycle.`,
}

var instancesCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Rent a GPU instance from an offer",
	RunE:  runInstancesCreate,
}

var instancesDestroyCmd = &cobra.Command{
	Use:   "destroy [instance-id]",
	Short: "Destroy an instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInstanceAction("destroy", args[0])
	},
}

var instancesPauseCmd = &cobra.Command{
	Use:   "pause [instance-id]",
	Short: "Pause an instance (stops billing for compute)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInstanceAction("pause", args[0])
	},
}

var instancesResumeCmd = &cobra.Command{
	Use:   "resume [instance-id]",
	Short: "Resume a paused instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInstanceAction("resume", args[0])
	},
}

var instancesHibernateCmd = &cobra.Command{
	Use:   "hibernate [instance-id]",
	Short: "Snapshot the workspace, then destroy the instance",
	Args:  cobra.ExactArgs(1),
	RunE:  runInstancesHibernate,
}

var instancesWakeCmd = &cobra.Command{
	Use:   "wake [instance-id]",
	Short: "Rent a replacement and restore the latest snapshot onto it",
	Args:  cobra.ExactArgs(1),
	RunE:  runInstancesWake,
}

func init() {
	rootCmd.AddCommand(instancesCmd)

	instancesCmd.AddCommand(instancesCreateCmd)
	instancesCmd.AddCommand(instancesDestroyCmd)
	instancesCmd.AddCommand(instancesPauseCmd)
	instancesCmd.AddCommand(instancesResumeCmd)
	instancesCmd.AddCommand(instancesHibernateCmd)
	instancesCmd.AddCommand(instancesWakeCmd)

	instancesCreateCmd.Flags().StringVarP(&rentOfferID, "offer", "i", "", "Offer ID to rent (required)")
	instancesCreateCmd.Flags().StringVar(&rentImage, "image", "", "Container image (required)")
	instancesCreateCmd.Flags().Float64Var(&rentDiskGB, "disk", 0, "Disk size in GB")
	instancesCreateCmd.Flags().StringVar(&rentOnStart, "onstart", "", "Startup script")
	instancesCreateCmd.Flags().StringToStringVar(&rentEnv, "env", nil, "Environment variables (key=value)")
	instancesCreateCmd.Flags().StringVar(&rentLabel, "label", "", "Instance label")
	instancesCreateCmd.Flags().StringVar(&rentVolumeID, "volume", "", "Volume ID to attach")
	instancesCreateCmd.Flags().StringVar(&rentMountPoint, "mount", "", "Volume mount point")
	instancesCreateCmd.Flags().BoolVar(&rentStartStopped, "start-stopped", false, "Create the instance without starting it")
	instancesCreateCmd.Flags().Float64Var(&rentBidPrice, "bid", 0, "Bid price per hour for interruptible rentals")
	instancesCreateCmd.Flags().StringVar(&rentReason, "reason", "", "Reason recorded with the rental (required)")
	instancesCreateCmd.Flags().StringVar(&rentUserID, "user", "", "User ID recorded with the rental")
	instancesCreateCmd.MarkFlagRequired("offer")
	instancesCreateCmd.MarkFlagRequired("image")
	instancesCreateCmd.MarkFlagRequired("reason")

	for _, sub := range []*cobra.Command{
		instancesDestroyCmd, instancesPauseCmd, instancesResumeCmd,
		instancesHibernateCmd, instancesWakeCmd,
	} {
		sub.Flags().StringVar(&actionReason, "reason", "", "Reason recorded with the action (required)")
		sub.Flags().StringVar(&actionUserID, "user", "", "User ID recorded with the action")
		sub.MarkFlagRequired("reason")
	}

	instancesHibernateCmd.Flags().StringVar(&hibWorkspace, "workspace", "", "Workspace path to capture")
	instancesHibernateCmd.Flags().StringVarP(&hibKind, "kind", "k", "", "Snapshot kind (incremental, full)")
	instancesHibernateCmd.Flags().StringVar(&hibOwner, "owner", "", "Owner ID recorded on the snapshot")

	instancesWakeCmd.Flags().StringVar(&wakeWorkspace, "workspace", "", "Workspace path to restore into")
	instancesWakeCmd.Flags().StringVar(&wakeSnapshotID, "snapshot", "", "Snapshot ID (defaults to the newest restorable)")
	instancesWakeCmd.Flags().IntVar(&wakeMinGPURAM, "min-gpu-ram", 0, "Minimum GPU RAM in MB for the replacement")
	instancesWakeCmd.Flags().Float64Var(&wakeMaxPrice, "max-price", 0, "Maximum price per hour for the replacement")
	instancesWakeCmd.Flags().Float64Var(&wakeDiskGB, "disk", 0, "Disk size in GB for the replacement")
	instancesWakeCmd.Flags().StringVar(&wakeImage, "image", "", "Container image for the replacement")
	instancesWakeCmd.Flags().StringVar(&wakeOnStart, "onstart", "", "Startup script for the replacement")
}

func runInstancesCreate(cmd *cobra.Command, args []string) error {
	reqBody := map[string]any{
		"offer_id": rentOfferID,
		"image":    rentImage,
		"reason":   rentReason,
	}
	if rentDiskGB > 0 {
		reqBody["disk_gb"] = rentDiskGB
	}
	if rentOnStart != "" {
		reqBody["on_start"] = rentOnStart
	}
	if len(rentEnv) > 0 {
		reqBody["env"] = rentEnv
	}
	if rentLabel != "" {
		reqBody["label"] = rentLabel
	}
	if rentVolumeID != "" {
		reqBody["volume_id"] = rentVolumeID
	}
	if rentMountPoint != "" {
		reqBody["mount_point"] = rentMountPoint
	}
	if rentStartStopped {
		reqBody["start_stopped"] = true
	}
	if rentBidPrice > 0 {
		reqBody["bid_price"] = rentBidPrice
	}
	if rentUserID != "" {
		reqBody["user_id"] = rentUserID
	}

	var inst models.Instance
	if err := apiSend("POST", "/api/v1/instances", reqBody, http.StatusCreated, &inst); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(inst)
	}

	fmt.Println("Instance rented successfully!")
	fmt.Println()
	fmt.Printf("Instance ID:  %s\n", inst.ID)
	fmt.Printf("Machine:      %s\n", inst.MachineID)
	fmt.Printf("GPU:          %s x%d\n", inst.GPUName, inst.NumGPUs)
	fmt.Printf("Price/Hour:   $%.3f\n", inst.PricePerHour)
	fmt.Printf("Status:       %s\n", inst.ActualStatus)

	if inst.HasSSH() {
		fmt.Println("\nSSH Connection:")
		fmt.Printf("  Host: %s\n", inst.SSHHost)
		fmt.Printf("  Port: %d\n", inst.SSHPort)
	} else {
		fmt.Println("\nNote: The instance is still coming up. Watch its events with:")
		fmt.Printf("  gpufleet events -i %s\n", inst.ID)
	}

	return nil
}

func runInstanceAction(action, instanceID string) error {
	reqBody := map[string]any{
		"reason": actionReason,
	}
	if actionUserID != "" {
		reqBody["user_id"] = actionUserID
	}

	var result struct {
		Message    string `json:"message"`
		InstanceID string `json:"instance_id"`
	}
	if err := apiSend("POST", fmt.Sprintf("/api/v1/instances/%s/%s", instanceID, action), reqBody, http.StatusOK, &result); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(result)
	}

	fmt.Printf("%s: %s\n", result.Message, result.InstanceID)
	return nil
}

func runInstancesHibernate(cmd *cobra.Command, args []string) error {
	instanceID := args[0]

	reqBody := map[string]any{
		"reason": actionReason,
	}
	if hibWorkspace != "" {
		reqBody["workspace_path"] = hibWorkspace
	}
	if hibKind != "" {
		reqBody["kind"] = hibKind
	}
	if hibOwner != "" {
		reqBody["owner_id"] = hibOwner
	}
	if actionUserID != "" {
		reqBody["user_id"] = actionUserID
	}

	var result struct {
		Message    string          `json:"message"`
		InstanceID string          `json:"instance_id"`
		SnapshotID string          `json:"snapshot_id"`
		Snapshot   models.Snapshot `json:"snapshot"`
	}
	if err := apiSend("POST", "/api/v1/instances/"+instanceID+"/hibernate", reqBody, http.StatusOK, &result); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(result)
	}

	fmt.Printf("Instance %s hibernated.\n", result.InstanceID)
	fmt.Printf("Snapshot: %s (%s, %s)\n", result.SnapshotID, result.Snapshot.Kind, formatBytes(result.Snapshot.SizeBytes))
	fmt.Println("\nWake it later with:")
	fmt.Printf("  gpufleet instances wake %s --reason <why>\n", result.InstanceID)
	return nil
}

func runInstancesWake(cmd *cobra.Command, args []string) error {
	instanceID := args[0]

	reqBody := map[string]any{
		"reason": actionReason,
	}
	if wakeWorkspace != "" {
		reqBody["workspace_path"] = wakeWorkspace
	}
	if wakeSnapshotID != "" {
		reqBody["snapshot_id"] = wakeSnapshotID
	}
	if wakeMinGPURAM > 0 {
		reqBody["min_gpu_ram_mb"] = wakeMinGPURAM
	}
	if wakeMaxPrice > 0 {
		reqBody["max_price"] = wakeMaxPrice
	}
	if wakeDiskGB > 0 {
		reqBody["disk_gb"] = wakeDiskGB
	}
	if wakeImage != "" {
		reqBody["image"] = wakeImage
	}
	if wakeOnStart != "" {
		reqBody["on_start"] = wakeOnStart
	}
	if actionUserID != "" {
		reqBody["user_id"] = actionUserID
	}

	var result struct {
		Message     string          `json:"message"`
		InstanceID  string          `json:"instance_id"`
		Replacement models.Instance `json:"replacement"`
		SSHHost     string          `json:"ssh_host"`
		SSHPort     int             `json:"ssh_port"`
	}
	if err := apiSend("POST", "/api/v1/instances/"+instanceID+"/wake", reqBody, http.StatusOK, &result); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(result)
	}

	fmt.Printf("Instance %s woken onto %s.\n", result.InstanceID, result.Replacement.ID)
	fmt.Printf("GPU:  %s x%d\n", result.Replacement.GPUName, result.Replacement.NumGPUs)
	if result.SSHHost != "" {
		fmt.Printf("SSH:  %s:%d\n", result.SSHHost, result.SSHPort)
	}
	return nil
}
