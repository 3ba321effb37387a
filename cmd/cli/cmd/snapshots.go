package cmd

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gpufleet/gpufleet/pkg/models"
)

var (
	snapCreateInstance  string
	snapCreateOwner     string
	snapCreateKind      string
	snapCreateBase      string
	snapCreateWorkspace string
	snapCreateSSHHost   string
	snapCreateSSHPort   int
	snapCreateRetention int
	snapCreateKeep      bool

	snapListInstance string
	snapListOwner    string
	snapListStatus   string
	snapListKind     string
	snapListLimit    int

	snapRestoreInstance  string
	snapRestoreWorkspace string
	snapRestoreSSHHost   string
	snapRestoreSSHPort   int

	cleanupExecute bool
)

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "Capture, restore and clean up workspace snapshots",
}

var snapshotsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Capture a workspace snapshot over SSH",
	RunE:  runSnapshotsCreate,
}

var snapshotsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots",
	RunE:  runSnapshotsList,
}

var snapshotsRestoreCmd = &cobra.Command{
	Use:   "restore [snapshot-id]",
	Short: "Restore a snapshot onto a host",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotsRestore,
}

var snapshotsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Sweep expired snapshots (dry run unless --execute)",
	RunE:  runSnapshotsCleanup,
}

func init() {
	rootCmd.AddCommand(snapshotsCmd)

	snapshotsCmd.AddCommand(snapshotsCreateCmd)
	snapshotsCmd.AddCommand(snapshotsListCmd)
	snapshotsCmd.AddCommand(snapshotsRestoreCmd)
	snapshotsCmd.AddCommand(snapshotsCleanupCmd)

	snapshotsCreateCmd.Flags().StringVarP(&snapCreateInstance, "instance", "i", "", "Instance ID (required)")
	snapshotsCreateCmd.Flags().StringVar(&snapCreateSSHHost, "ssh-host", "", "SSH host (required)")
	snapshotsCreateCmd.Flags().IntVar(&snapCreateSSHPort, "ssh-port", 22, "SSH port")
	snapshotsCreateCmd.Flags().StringVar(&snapCreateOwner, "owner", "", "Owner ID")
	snapshotsCreateCmd.Flags().StringVarP(&snapCreateKind, "kind", "k", "", "Snapshot kind (incremental, full)")
	snapshotsCreateCmd.Flags().StringVar(&snapCreateBase, "base", "", "Base snapshot ID for incremental capture")
	snapshotsCreateCmd.Flags().StringVar(&snapCreateWorkspace, "workspace", "", "Workspace path to capture")
	snapshotsCreateCmd.Flags().IntVar(&snapCreateRetention, "retention", 0, "Retention in days (0 = default)")
	snapshotsCreateCmd.Flags().BoolVar(&snapCreateKeep, "keep-forever", false, "Exempt the snapshot from retention")
	snapshotsCreateCmd.MarkFlagRequired("instance")
	snapshotsCreateCmd.MarkFlagRequired("ssh-host")

	snapshotsListCmd.Flags().StringVarP(&snapListInstance, "instance", "i", "", "Filter by instance ID")
	snapshotsListCmd.Flags().StringVar(&snapListOwner, "owner", "", "Filter by owner ID")
	snapshotsListCmd.Flags().StringVarP(&snapListStatus, "status", "s", "", "Filter by status (active, pending_deletion, deleted)")
	snapshotsListCmd.Flags().StringVarP(&snapListKind, "kind", "k", "", "Filter by kind (incremental, full)")
	snapshotsListCmd.Flags().IntVar(&snapListLimit, "limit", 0, "Maximum snapshots to return")

	snapshotsRestoreCmd.Flags().StringVar(&snapRestoreSSHHost, "ssh-host", "", "SSH host (required)")
	snapshotsRestoreCmd.Flags().IntVar(&snapRestoreSSHPort, "ssh-port", 22, "SSH port")
	snapshotsRestoreCmd.Flags().StringVarP(&snapRestoreInstance, "instance", "i", "", "Instance ID receiving the restore")
	snapshotsRestoreCmd.Flags().StringVar(&snapRestoreWorkspace, "workspace", "", "Workspace path to restore into")
	snapshotsRestoreCmd.MarkFlagRequired("ssh-host")

	snapshotsCleanupCmd.Flags().BoolVar(&cleanupExecute, "execute", false, "Actually delete expired snapshots")
}

func runSnapshotsCreate(cmd *cobra.Command, args []string) error {
	reqBody := map[string]any{
		"instance_id": snapCreateInstance,
		"ssh_host":    snapCreateSSHHost,
		"ssh_port":    snapCreateSSHPort,
	}
	if snapCreateOwner != "" {
		reqBody["owner_id"] = snapCreateOwner
	}
	if snapCreateKind != "" {
		reqBody["kind"] = snapCreateKind
	}
	if snapCreateBase != "" {
		reqBody["base_id"] = snapCreateBase
	}
	if snapCreateWorkspace != "" {
		reqBody["workspace_path"] = snapCreateWorkspace
	}
	if snapCreateRetention > 0 {
		reqBody["retention_days"] = snapCreateRetention
	}
	if snapCreateKeep {
		reqBody["keep_forever"] = true
	}

	var snap models.Snapshot
	if err := apiSend("POST", "/api/v1/snapshots", reqBody, http.StatusCreated, &snap); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(snap)
	}

	fmt.Println("Snapshot captured!")
	fmt.Println()
	fmt.Printf("Snapshot ID:  %s\n", snap.ID)
	fmt.Printf("Instance:     %s\n", snap.InstanceID)
	fmt.Printf("Kind:         %s\n", snap.Kind)
	if snap.ParentID != "" {
		fmt.Printf("Parent:       %s\n", snap.ParentID)
	}
	fmt.Printf("Files:        %d\n", snap.FileCount)
	fmt.Printf("Size:         %s\n", formatBytes(snap.SizeBytes))
	fmt.Printf("Status:       %s\n", snap.Status)
	return nil
}

func runSnapshotsList(cmd *cobra.Command, args []string) error {
	params := url.Values{}
	if snapListInstance != "" {
		params.Set("instance_id", snapListInstance)
	}
	if snapListOwner != "" {
		params.Set("owner_id", snapListOwner)
	}
	if snapListStatus != "" {
		params.Set("status", snapListStatus)
	}
	if snapListKind != "" {
		params.Set("kind", snapListKind)
	}
	if snapListLimit > 0 {
		params.Set("limit", strconv.Itoa(snapListLimit))
	}

	var result struct {
		Snapshots []models.Snapshot `json:"snapshots"`
		Count     int               `json:"count"`
	}
	if err := apiGet("/api/v1/snapshots", params, &result); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(result)
	}

	if len(result.Snapshots) == 0 {
		fmt.Println("No snapshots found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tINSTANCE\tKIND\tSTATUS\tSIZE\tFILES\tCREATED")
	fmt.Fprintln(w, "--\t--------\t----\t------\t----\t-----\t-------")
	for _, snap := range result.Snapshots {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			snap.ID,
			snap.InstanceID,
			snap.Kind,
			snap.Status,
			formatBytes(snap.SizeBytes),
			snap.FileCount,
			snap.CreatedAt.Format(time.RFC3339),
		)
	}
	w.Flush()

	fmt.Printf("\nTotal: %d snapshots\n", result.Count)
	return nil
}

func runSnapshotsRestore(cmd *cobra.Command, args []string) error {
	snapshotID := args[0]

	reqBody := map[string]any{
		"ssh_host": snapRestoreSSHHost,
		"ssh_port": snapRestoreSSHPort,
	}
	if snapRestoreInstance != "" {
		reqBody["instance_id"] = snapRestoreInstance
	}
	if snapRestoreWorkspace != "" {
		reqBody["workspace_path"] = snapRestoreWorkspace
	}

	var result models.RestoreResult
	if err := apiSend("POST", "/api/v1/snapshots/"+snapshotID+"/restore", reqBody, http.StatusOK, &result); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(result)
	}

	fmt.Printf("Snapshot %s restored.\n", result.SnapshotID)
	fmt.Printf("Files:     %d\n", result.FilesRestored)
	fmt.Printf("Bytes:     %s\n", formatBytes(result.BytesRestored))
	fmt.Printf("Duration:  %dms\n", result.DurationMs)
	return nil
}

func runSnapshotsCleanup(cmd *cobra.Command, args []string) error {
	reqBody := map[string]any{
		"dry_run": !cleanupExecute,
	}

	var result models.CleanupResult
	if err := apiSend("POST", "/api/v1/snapshots/cleanup", reqBody, http.StatusOK, &result); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(result)
	}

	if result.DryRun {
		fmt.Println("Cleanup dry run (use --execute to delete):")
	} else {
		fmt.Println("Cleanup complete:")
	}
	fmt.Printf("  Identified:  %d\n", result.Identified)
	fmt.Printf("  Deleted:     %d\n", result.Deleted)
	fmt.Printf("  Failed:      %d\n", result.Failed)
	fmt.Printf("  Freed:       %s\n", formatBytes(result.BytesFreed))
	return nil
}
