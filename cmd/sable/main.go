// Command sable boots the kernel core against a TOML machine
// description, for poking at the core from a host shell.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sablekernel/sable/defs"
	"github.com/sablekernel/sable/fs"
	"github.com/sablekernel/sable/hostdisk"
	"github.com/sablekernel/sable/kernel"
	"github.com/sablekernel/sable/mboot"
	"github.com/sablekernel/sable/mem"
	"github.com/sablekernel/sable/proc"
	"github.com/sablekernel/sable/ustr"
)

type machineConf struct {
	RamMB  int    `toml:"ram_mb"`
	TickMS int    `toml:"tick_ms"`
	Kernel kimage `toml:"kernel"`
	Disk   *dconf `toml:"disk"`
}

type kimage struct {
	Start uint32 `toml:"start"`
	End   uint32 `toml:"end"`
}

type dconf struct {
	Image   string `toml:"image"`
	Bsize   int    `toml:"bsize"`
	Nblocks int    `toml:"nblocks"`
}

func loadconf(path string) (*machineConf, error) {
	mc := &machineConf{
		RamMB:  64,
		TickMS: 1,
		Kernel: kimage{Start: 0x100000, End: 0x400000},
	}
	if path == "" {
		return mc, nil
	}
	if _, err := toml.DecodeFile(path, mc); err != nil {
		return nil, err
	}
	return mc, nil
}

func mkmachine(mc *machineConf) (*kernel.Kernel_t, defs.Err_t) {
	mi := &mboot.Info{
		MemoryMap: []mboot.MemRegion{
			// low 640K hole convention
			{Base: 0, Length: 0x9f000, Type: mboot.MemAvailable},
			{Base: 0x9f000, Length: 0x61000, Type: mboot.MemReserved},
			{Base: 0x100000, Length: uint64(mc.RamMB) << 20, Type: mboot.MemAvailable},
		},
	}
	return kernel.Boot_map(mi, mem.Pa_t(mc.Kernel.Start), mem.Pa_t(mc.Kernel.End), os.Stdout)
}

type bootCmd struct {
	conf string
}

func (*bootCmd) Name() string     { return "boot" }
func (*bootCmd) Synopsis() string { return "boot the core and run an init process" }
func (*bootCmd) Usage() string    { return "boot [-conf machine.toml]\n" }

func (c *bootCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.conf, "conf", "", "machine description")
}

func (c *bootCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	mc, err := loadconf(c.conf)
	if err != nil {
		logrus.WithError(err).Error("bad machine description")
		return subcommands.ExitFailure
	}
	k, kerr := mkmachine(mc)
	if kerr != 0 {
		logrus.WithField("err", kerr).Error("boot failed")
		return subcommands.ExitFailure
	}
	root := fs.Mkmemfs()
	k.Vfs.Register("rootfs", func(dev fs.Bdev_i) (fs.Fs_i, defs.Err_t) {
		return root, 0
	})
	if err := k.Vfs.Mount_root("rootfs", nil); err != 0 {
		logrus.WithField("err", err).Error("no root")
		return subcommands.ExitFailure
	}
	if mc.Disk != nil {
		hd, err := hostdisk.Open(mc.Disk.Image, mc.Disk.Bsize, mc.Disk.Nblocks)
		if err != nil {
			logrus.WithError(err).Error("disk open failed")
			return subcommands.ExitFailure
		}
		defer hd.Close()
		bc, berr := fs.Mkbcache(k.Phys, hd, k.Pgdaemon)
		if berr != 0 {
			logrus.WithField("err", berr).Error("bad disk geometry")
			return subcommands.ExitFailure
		}
		root.Putdev(ustr.Ustr("dev/disk"), defs.Mkdev(defs.D_RAWDISK, 0), fs.Mkbdevfops(bc))
	}

	done := make(chan int, 1)
	_, perr := k.Init_kernel_process(func(p *proc.Proc_t) {
		msg := []uint8("sable: init running\n")
		pfd, err := p.Fd_get(1)
		if err == 0 {
			pfd.Fops.Write(msg)
		}
		done <- 0
		k.Sys_exit(p, 0)
	})
	if perr != 0 {
		logrus.WithField("err", perr).Error("init failed")
		return subcommands.ExitFailure
	}
	if mc.Disk != nil {
		// the flusher thread takes a thread id, so it starts after init
		// has taken pid 1
		k.Pgdaemon.Start()
	}

	g, ctx := errgroup.WithContext(ctx)
	stop := make(chan struct{})
	g.Go(func() error {
		tick := time.NewTicker(time.Duration(mc.TickMS) * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				k.Tick()
			case <-stop:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
	g.Go(func() error {
		<-done
		close(stop)
		return nil
	})
	if err := g.Wait(); err != nil {
		logrus.WithError(err).Error("run failed")
		return subcommands.ExitFailure
	}
	fmt.Printf("init exited after %v ms\n", k.Gettime_ms())
	return subcommands.ExitSuccess
}

type memCmd struct {
	conf string
}

func (*memCmd) Name() string     { return "meminfo" }
func (*memCmd) Synopsis() string { return "boot the core and dump frame counts" }
func (*memCmd) Usage() string    { return "meminfo [-conf machine.toml]\n" }

func (c *memCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.conf, "conf", "", "machine description")
}

func (c *memCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	mc, err := loadconf(c.conf)
	if err != nil {
		logrus.WithError(err).Error("bad machine description")
		return subcommands.ExitFailure
	}
	k, kerr := mkmachine(mc)
	if kerr != 0 {
		logrus.WithField("err", kerr).Error("boot failed")
		return subcommands.ExitFailure
	}
	free, used := k.Phys.Pgcount()
	fmt.Printf("frames: %v free, %v used (%v MB free)\n", free, used, free>>8)
	return subcommands.ExitSuccess
}

func main() {
	logrus.SetLevel(logrus.InfoLevel)
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(&bootCmd{}, "")
	subcommands.Register(&memCmd{}, "")
	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}
