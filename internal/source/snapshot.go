package source

import "strings"

const gib = 1 << 30

// FleetTotals are the capacity scalars derived from one node snapshot. Disk
// and memory are GiB, cores are whole cores.
type FleetTotals struct {
	Nodes  int64
	Disk   float64
	Memory float64
	Cores  int64
}

// Totals sums capacity over the eligible node set.
func Totals(nodes []Node) FleetTotals {
	var t FleetTotals
	t.Nodes = int64(len(nodes))
	for _, n := range nodes {
		t.Disk += float64(n.AvailableDisk) / gib
		t.Memory += float64(n.WSLMemory) / gib
		t.Cores += n.CPUCores
	}
	return t
}

// RunningTotals are the resource floors of workloads with at least one
// running replica. Disk is GiB, CPU cores, RAM GB.
type RunningTotals struct {
	ReplicaCount int64
	MinDisk      float64
	MinCPU       float64
	MinRAM       float64
}

func (w Workload) running() bool {
	for _, in := range w.Instances {
		if strings.EqualFold(in.Status, "running") {
			return true
		}
	}
	return false
}

// Running sums the floors of workloads that currently have a running replica.
func Running(workloads []Workload) RunningTotals {
	var t RunningTotals
	for _, w := range workloads {
		if !w.running() {
			continue
		}
		t.ReplicaCount += w.ReplicaCount
		t.MinDisk += float64(w.MinDisk) / gib
		t.MinCPU += float64(w.MinCPU) / 1000
		t.MinRAM += float64(w.MinRAM) / 1024
	}
	return t
}

// CityCounts tallies eligible nodes per reported city, skipping nodes with no
// location.
func CityCounts(nodes []Node) map[string]int64 {
	out := make(map[string]int64)
	for _, n := range nodes {
		if n.IP.City != "" {
			out[n.IP.City]++
		}
	}
	return out
}

// CountryCounts tallies eligible nodes per reported country code.
func CountryCounts(nodes []Node) map[string]int64 {
	out := make(map[string]int64)
	for _, n := range nodes {
		if n.IP.CountryCode != "" {
			out[n.IP.CountryCode]++
		}
	}
	return out
}
