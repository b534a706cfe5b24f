package project

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetectFrameworkFromDeclaredDependencyName(t *testing.T) {
	meta := &Metadata{ContextRoot: t.TempDir(), DeclaredDependencies: []string{"flask"}}

	det, err := DetectFramework(meta)
	require.NoError(t, err)
	require.Equal(t, FrameworkFlask, det.Framework)
	require.Equal(t, []int{5000}, det.Ports)
	require.Equal(t, map[string]string{"framework": "flask"}, det.Labels)
}

func TestDetectFrameworkFallsBackToRequirementsFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "requirements.txt"), "django==5.0\ngunicorn\n")
	meta := &Metadata{ContextRoot: dir}

	det, err := DetectFramework(meta)
	require.NoError(t, err)
	require.Equal(t, FrameworkDjango, det.Framework)
}

func TestDetectFrameworkDeclaredDependencyWinsOverRequirementsFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "requirements.txt"), "django\n")
	meta := &Metadata{ContextRoot: dir, DeclaredDependencies: []string{"flask"}}

	det, err := DetectFramework(meta)
	require.NoError(t, err)
	require.Equal(t, FrameworkFlask, det.Framework)
}

func TestDetectFrameworkMarkerFileImpliesDjango(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "manage.py"), "#!/usr/bin/env python\nimport django\n")
	meta := &Metadata{ContextRoot: dir}

	det, err := DetectFramework(meta)
	require.NoError(t, err)
	require.Equal(t, FrameworkDjango, det.Framework)
	require.Equal(t, []string{"<interpreter>", "manage.py", "runserver", "0.0.0.0:8000"}, det.Entrypoint)
}

func TestDetectFrameworkNoneWhenNoSignal(t *testing.T) {
	meta := &Metadata{ContextRoot: t.TempDir()}

	det, err := DetectFramework(meta)
	require.NoError(t, err)
	require.Equal(t, FrameworkNone, det.Framework)
	require.Nil(t, det.Entrypoint)
}

func TestDetectFrameworkFastAPIResolvesModuleAndAppVariable(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "app", "main.py"), "from fastapi import FastAPI\n\napi = FastAPI()\n")
	meta := &Metadata{ContextRoot: dir, DeclaredDependencies: []string{"fastapi"}}

	det, err := DetectFramework(meta)
	require.NoError(t, err)
	require.Equal(t, FrameworkFastAPI, det.Framework)
	require.Equal(t, []string{"uvicorn", "app.main:api", "--host", "0.0.0.0", "--port", "8000"}, det.Entrypoint)
	require.Equal(t, []int{8000}, det.Ports)
}

func TestFindFastAPIModuleFallsBackToAppWhenNoAssignmentFound(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "server.py"), "from fastapi import FastAPI\n")

	module := findFastAPIModule(dir)
	require.Equal(t, "server:app", module)
}

func TestFrameworkFromRequirementsIgnoresCaseAndWhitespace(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "requirements.txt"), "  FastAPI==0.100\n")
	require.Equal(t, FrameworkFastAPI, frameworkFromRequirements(dir))
}

func TestFrameworkFromRequirementsNoneWhenFileMissing(t *testing.T) {
	require.Equal(t, FrameworkNone, frameworkFromRequirements(t.TempDir()))
}

func TestMarkerFileImpliesDjangoFalseWithoutImport(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "manage.py"), "print('hello')\n")
	require.False(t, markerFileImpliesDjango(dir))
}

func TestMarkerFileImpliesDjangoFalseWhenAbsent(t *testing.T) {
	require.False(t, markerFileImpliesDjango(t.TempDir()))
}
