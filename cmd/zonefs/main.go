package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/zonefs-org/go-zonefs/pkg/config"
	"github.com/zonefs-org/go-zonefs/pkg/fs"
	"github.com/zonefs-org/go-zonefs/pkg/metrics"
	"github.com/zonefs-org/go-zonefs/pkg/status"
	"github.com/zonefs-org/go-zonefs/pkg/zbd"
	"github.com/zonefs-org/go-zonefs/util"
)

func usage() {
	fmt.Fprintf(os.Stderr, "USAGE: %s <command> [OPTIONS]...\nCommands: mkfs, list, df, stat, dump, gc\n", os.Args[0])
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "You need to specify a command.")
		usage()
		os.Exit(1)
	}

	subcmd := os.Args[1]
	cfg, err := config.LoadConfig(os.Args[2:])
	if err != nil {
		util.Fatal("Failed to load config: %v", err)
	}

	if cfg.DevicePath == "" && !cfg.Simulated {
		fmt.Fprintln(os.Stderr, "You need to specify a zoned block device using --zbd")
		os.Exit(1)
	}

	if cfg.EnableExporter {
		metrics.StartMetricsServer(cfg.ExporterPort)
	}

	var rc int
	switch subcmd {
	case "mkfs":
		rc = runMkfs(cfg)
	case "list":
		rc = runList(cfg)
	case "df":
		rc = runDf(cfg)
	case "stat":
		rc = runStat(cfg)
	case "dump":
		rc = runDump(cfg)
	case "gc":
		rc = runGC(cfg)
	default:
		fmt.Fprintf(os.Stderr, "Subcommand not recognized: %s\n", subcmd)
		usage()
		rc = 1
	}
	os.Exit(rc)
}

func openDevice(cfg *config.Config, readonly bool) (*zbd.ZonedBlockDevice, error) {
	var backend zbd.Backend
	if cfg.Simulated {
		backend = zbd.NewMemBackend(cfg.SimZones, cfg.SimZoneSize, cfg.SimBlockSize, 14)
	} else {
		backend = zbd.NewBlockBackend(cfg.DevicePath)
	}

	dev := zbd.NewZonedBlockDevice(backend, cfg)
	if err := dev.Open(readonly); err != nil {
		return nil, err
	}
	return dev, nil
}

func mount(cfg *config.Config, readonly bool) (*fs.FileSystem, error) {
	dev, err := openDevice(cfg, readonly)
	if err != nil {
		return nil, err
	}

	zfs := fs.NewFileSystem(dev, cfg)
	if err := zfs.Mount(readonly); err != nil {
		dev.Close()
		return nil, err
	}
	return zfs, nil
}

func runMkfs(cfg *config.Config) int {
	zfs, err := mount(cfg, false)
	if err == nil {
		zfs.Unmount()
		if !cfg.Force {
			fmt.Fprintln(os.Stderr, "Existing filesystem found, use --force if you want to replace it.")
			return 1
		}
	} else if !status.IsNotFound(err) {
		fmt.Fprintf(os.Stderr, "Failed to probe device: %v\n", err)
		return 1
	}

	dev, err := openDevice(cfg, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open zoned block device: %v\n", err)
		return 1
	}
	defer dev.Close()

	zfs = fs.NewFileSystem(dev, cfg)
	if err := zfs.MkFS(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create file system: %v\n", err)
		return 1
	}

	fmt.Printf("zonefs file system created. Free space: %d MB\n", dev.GetFreeSpace()>>20)
	return 0
}

func runList(cfg *config.Config) int {
	zfs, err := mount(cfg, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to mount filesystem: %v\n", err)
		return 1
	}
	defer zfs.Unmount()

	for _, info := range zfs.ListFiles() {
		mtime := time.Unix(int64(info.MTime), 0).Format("Jan 02 2006 15:04:05")
		fmt.Printf("%12d\t%-32s%-32s\n", info.Size, mtime, info.Name)
	}
	return 0
}

func runDf(cfg *config.Config) int {
	zfs, err := mount(cfg, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to mount filesystem: %v\n", err)
		return 1
	}
	defer zfs.Unmount()

	dev := zfs.Device()
	used := dev.GetUsedSpace()
	free := dev.GetFreeSpace()
	reclaimable := dev.GetReclaimableSpace()

	if used == 0 {
		used = 1
	}
	fmt.Printf("Free: %d MB\nUsed: %d MB\nReclaimable: %d MB\nSpace amplification: %d%%\n",
		free>>20, used>>20, reclaimable>>20, 100*reclaimable/used)
	return 0
}

func runStat(cfg *config.Config) int {
	zfs, err := mount(cfg, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to mount filesystem: %v\n", err)
		return 1
	}
	defer zfs.Unmount()

	for _, zone := range zfs.Device().GetStat() {
		fmt.Printf("Zone start=0x%x wp=0x%x capacity=%d used=%d lifetime=%s\n",
			zone.StartPosition, zone.WritePosition, zone.TotalCapacity,
			zone.UsedCapacity, zone.Lifetime)
	}
	return 0
}

func runDump(cfg *config.Config) int {
	zfs, err := mount(cfg, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to mount filesystem: %v\n", err)
		return 1
	}
	defer zfs.Unmount()

	dump := struct {
		UUID  string         `json:"uuid"`
		Seq   uint64         `json:"seq"`
		Zones []zbd.ZoneStat `json:"zones"`
		Files []fs.FileInfo  `json:"files"`
	}{
		UUID:  zfs.Superblock().UUID.String(),
		Seq:   zfs.Superblock().Seq,
		Zones: zfs.Device().GetStat(),
		Files: zfs.ListFiles(),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&dump); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode dump: %v\n", err)
		return 1
	}
	return 0
}

func runGC(cfg *config.Config) int {
	zfs, err := mount(cfg, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to mount filesystem: %v\n", err)
		return 1
	}
	defer zfs.Unmount()

	if err := zfs.RunGC(); err != nil {
		fmt.Fprintf(os.Stderr, "Garbage collection failed: %v\n", err)
		return 1
	}

	fmt.Printf("Reclaimable space now: %d MB\n", zfs.Device().GetReclaimableSpace()>>20)
	return 0
}
