package usb

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const sysfsUSBDevices = "/sys/bus/usb/devices"

// sysfsDevicePath returns the sysfs directory advertised to clients for
// a device's bus id.
func sysfsDevicePath(busID string) string {
	return filepath.Join(sysfsUSBDevices, busID)
}

// readSysfsAttr reads one attribute file under a device directory.
func readSysfsAttr(devicePath, name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(devicePath, name))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// readSysfsSpeed maps the sysfs "speed" attribute (Mbps as text) onto
// the wire speed enum.
func readSysfsSpeed(devicePath string) Speed {
	value, err := readSysfsAttr(devicePath, "speed")
	if err != nil {
		return SpeedUnknown
	}
	switch value {
	case "1.5":
		return SpeedLow
	case "12":
		return SpeedFull
	case "480":
		return SpeedHigh
	case "5000":
		return SpeedSuper
	case "10000", "20000":
		return SpeedSuperPlus
	default:
		return SpeedUnknown
	}
}

// sysfsUevent holds the identity fields of a device uevent file.
type sysfsUevent struct {
	BusNum    uint32
	DevNum    uint32
	Vendor    uint16
	Product   uint16
	BcdDevice uint16
}

// parseSysfsUevent reads BUSNUM/DEVNUM/PRODUCT from a device uevent
// file. Lines that are not key=value pairs are skipped.
func parseSysfsUevent(devicePath string) (*sysfsUevent, error) {
	file, err := os.Open(filepath.Join(devicePath, "uevent"))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	u := &sysfsUevent{}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		key, value, found := strings.Cut(scanner.Text(), "=")
		if !found {
			continue
		}
		switch key {
		case "BUSNUM":
			num, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				continue
			}
			u.BusNum = uint32(num)
		case "DEVNUM":
			num, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				continue
			}
			u.DevNum = uint32(num)
		case "PRODUCT":
			parts := strings.Split(value, "/")
			if len(parts) != 3 {
				continue
			}
			if vendor, err := strconv.ParseUint(parts[0], 16, 16); err == nil {
				u.Vendor = uint16(vendor)
			}
			if product, err := strconv.ParseUint(parts[1], 16, 16); err == nil {
				u.Product = uint16(product)
			}
			if bcd, err := strconv.ParseUint(parts[2], 16, 16); err == nil {
				u.BcdDevice = uint16(bcd)
			}
		}
	}
	return u, scanner.Err()
}

// sysfsWatcher reports attach/detach under /sys/bus/usb/devices via
// fsnotify, coalescing event bursts before notifying.
type sysfsWatcher struct {
	root string
	log  *logrus.Entry
}

func newSysfsWatcher() *sysfsWatcher {
	return &sysfsWatcher{
		root: sysfsUSBDevices,
		log:  logrus.WithField("component", "sysfs-watcher"),
	}
}

func (w *sysfsWatcher) Watch(ctx context.Context) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(w.root); err != nil {
		watcher.Close()
		return nil, err
	}
	events := make(chan struct{}, 1)
	go func() {
		defer close(events)
		defer watcher.Close()
		var pending *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Remove) == 0 {
					continue
				}
				// Coalesce: hotplug produces several events per device.
				if pending == nil {
					pending = time.NewTimer(250 * time.Millisecond)
					fire = pending.C
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.log.WithError(err).Warn("sysfs watch error")
			case <-fire:
				pending = nil
				fire = nil
				select {
				case events <- struct{}{}:
				default:
				}
			}
		}
	}()
	return events, nil
}
