package main

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windowsadmins/winebridge/pkg/config"
	"github.com/windowsadmins/winebridge/pkg/frontend"
)

func TestMonitorTargetFromConfig(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Application = "Logos"
	cfg.AppVersion = "10"
	cfg.AppRelease = "10.2.3"
	cfg.InstallDir = "/home/u/Logos10"
	cfg.WineBinary = "/home/u/Logos10/data/bin/wine64"
	cfg.AppExe = "/home/u/Logos10/data/wine64_bottle/drive_c/users/u/AppData/Local/Logos/Logos.exe"

	target, err := monitorTarget(cfg)
	require.NoError(t, err)
	assert.Equal(t, "/home/u/Logos10/data/wine64_bottle", target.WinePrefix)
	assert.Equal(t,
		filepath.Join(filepath.Dir(cfg.AppExe), "System", "LogosIndexer.exe"),
		target.IndexerExe)
}

func TestMonitorTargetRequiresInstall(t *testing.T) {
	_, err := monitorTarget(config.GetDefaultConfig())
	assert.True(t, errors.Is(err, config.ErrConfiguration))
}

func TestStatusLine(t *testing.T) {
	assert.Equal(t, "Working", statusLine("Working", frontend.NoPercent))
	assert.Equal(t, "[ 42%] Step 8/19", statusLine("Step 8/19", 42))
}
