package api

import "testing"

func TestSanitizeNetworkProfile(t *testing.T) {
	if got := SanitizeNetworkProfile("berlin.freifunk.net/potsdam"); got != "berlin_freifunk_net-potsdam" {
		t.Errorf("unexpected sanitised profile %q", got)
	}
}

func TestImageName(t *testing.T) {
	base := Image{
		SubtargetKey: SubtargetKey{
			Distro:    "lede",
			Release:   "17.01.4",
			Target:    "ar71xx",
			Subtarget: "generic",
		},
		Profile:      "tl-wdr4300",
		ManifestHash: "a2838a1a33261a5",
	}
	testCases := []struct {
		name     string
		mutate   func(*Image)
		expected string
	}{
		{
			name: "custom build carries manifest hash",
			mutate: func(i *Image) {
				i.SubtargetInName = true
				i.ProfileInName = true
			},
			expected: "lede-17.01.4-a2838a1a33261a5-ar71xx-generic-tl-wdr4300",
		},
		{
			name: "vanilla build elides manifest hash",
			mutate: func(i *Image) {
				i.Vanilla = true
				i.SubtargetInName = true
				i.ProfileInName = true
			},
			expected: "lede-17.01.4-ar71xx-generic-tl-wdr4300",
		},
		{
			name:     "snapshot elides release",
			mutate:   func(i *Image) { i.Release = "snapshot" },
			expected: "lede-a2838a1a33261a5-ar71xx",
		},
		{
			name: "network profile in name",
			mutate: func(i *Image) {
				i.NetworkProfile = "berlin.freifunk.net/potsdam"
				i.SubtargetInName = true
			},
			expected: "lede-17.01.4-a2838a1a33261a5-berlin_freifunk_net-potsdam-ar71xx-generic",
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			image := base
			if testCase.mutate != nil {
				testCase.mutate(&image)
			}
			if got := image.Name(); got != testCase.expected {
				t.Errorf("expected %q, got %q", testCase.expected, got)
			}
		})
	}
}

func TestSysupgradeFileName(t *testing.T) {
	image := Image{
		SubtargetKey: SubtargetKey{
			Distro:    "lede",
			Release:   "17.01.4",
			Target:    "ar71xx",
			Subtarget: "generic",
		},
		Profile:          "tl-wdr4300",
		Vanilla:          true,
		SubtargetInName:  true,
		ProfileInName:    true,
		SysupgradeSuffix: "squashfs-sysupgrade.bin",
	}
	if expected := "lede-17.01.4-ar71xx-generic-tl-wdr4300-squashfs-sysupgrade.bin"; image.SysupgradeFileName() != expected {
		t.Errorf("expected %q, got %q", expected, image.SysupgradeFileName())
	}
}
