// kvm-print-ext prints information about the KVM API, its extensions, and
// the MSRs it exposes.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/c35s/biosvm/kvm"
)

func main() {
	var (
		device = flag.String("device", kvm.DevicePath, "open KVM at this path")
		msrs   = flag.Bool("msrs", false, "list every MSR index instead of counting them")
	)

	flag.Parse()

	sys, err := kvm.OpenPath(*device)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	defer sys.Close()

	version, err := kvm.GetAPIVersion(sys)
	if err != nil {
		panic(err)
	}

	fmt.Printf("KVM API version: %d\n", version)

	mmsz, err := kvm.GetVCPUMmapSize(sys)
	if err != nil {
		panic(err)
	}

	fmt.Printf("VCPU mmap size: %d\n", mmsz)

	fmt.Println("\n# extensions")
	for _, c := range kvm.AllCaps() {
		v, err := kvm.CheckExtension(sys, c)
		if err != nil {
			panic(err)
		}

		fmt.Printf("%v: %v\n", c, v)
	}

	printMSRs("msrs", *msrs, kvm.GetMSRIndexList, sys)
	printMSRs("feature msrs", *msrs, kvm.GetMSRFeatureIndexList, sys)
}

func printMSRs(title string, all bool, query func(*kvm.System) ([]uint32, error), sys *kvm.System) {
	fmt.Printf("\n# %s\n", title)

	list, err := query(sys)
	if err != nil {
		fmt.Printf("unavailable: %v\n", err)
		return
	}

	if !all {
		fmt.Printf("count: %d\n", len(list))
		return
	}

	for _, idx := range list {
		fmt.Printf("0x%08x\n", idx)
	}
}
