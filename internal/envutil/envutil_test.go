package envutil

import (
	"reflect"
	"testing"
)

func TestParse(t *testing.T) {
	env := Parse([]string{"PATH=/usr/bin", "EMPTY=", "malformed", "=nokey", "EQ=a=b"})

	want := map[string]string{
		"PATH":  "/usr/bin",
		"EMPTY": "",
		"EQ":    "a=b",
	}
	if !reflect.DeepEqual(env, want) {
		t.Errorf("Parse = %v, want %v", env, want)
	}
}

func TestInherited(t *testing.T) {
	t.Setenv("ENVUTIL_PROBE", "present")

	env := Inherited()
	if env["ENVUTIL_PROBE"] != "present" {
		t.Errorf("Expected inherited environment to carry ENVUTIL_PROBE, got %q", env["ENVUTIL_PROBE"])
	}
}

func TestMinimal(t *testing.T) {
	env := Minimal()

	required := []string{"PATH", "LANG", "LC_ALL", "HOME", "USER"}
	for _, key := range required {
		if _, ok := env[key]; !ok {
			t.Errorf("Minimal() missing required key %s", key)
		}
	}
	if env["PATH"] != "/usr/bin:/bin" {
		t.Errorf("Expected PATH='/usr/bin:/bin', got %q", env["PATH"])
	}
	if len(env) != len(required) {
		t.Errorf("Expected %d keys, got %d", len(required), len(env))
	}
}

func TestMerge(t *testing.T) {
	base := map[string]string{
		"PATH": "/usr/bin",
		"LANG": "en_US.UTF-8",
		"HOME": "/home/user",
	}
	managerOverrides := map[string]string{
		"LANG":      "C.UTF-8",
		"LOG_LEVEL": "debug",
	}
	commandEnv := map[string]string{
		"LOG_LEVEL": "trace",
	}

	result := Merge(base, managerOverrides, commandEnv)

	if result["PATH"] != "/usr/bin" {
		t.Errorf("Expected base PATH preserved, got %q", result["PATH"])
	}
	if result["LANG"] != "C.UTF-8" {
		t.Errorf("Expected manager override to win, got %q", result["LANG"])
	}
	if result["LOG_LEVEL"] != "trace" {
		t.Errorf("Expected later override to win, got %q", result["LOG_LEVEL"])
	}

	// Inputs stay untouched and the result is independent.
	result["PROBE"] = "x"
	if _, ok := base["PROBE"]; ok {
		t.Error("Merge must not modify the base map")
	}
	if managerOverrides["LOG_LEVEL"] != "debug" {
		t.Error("Merge must not modify override maps")
	}
}

func TestMerge_NilInputs(t *testing.T) {
	if result := Merge(nil); result == nil || len(result) != 0 {
		t.Errorf("Expected empty map for nil base, got %v", result)
	}

	base := map[string]string{"A": "1"}
	if result := Merge(base, nil); !reflect.DeepEqual(result, base) {
		t.Errorf("Expected base copy for nil override, got %v", result)
	}
}

func TestToList(t *testing.T) {
	list := ToList(map[string]string{
		"ZED":  "last",
		"ABEL": "first",
		"MID":  "x=y",
	})

	want := []string{"ABEL=first", "MID=x=y", "ZED=last"}
	if !reflect.DeepEqual(list, want) {
		t.Errorf("ToList = %v, want %v", list, want)
	}
}

func TestToList_Empty(t *testing.T) {
	if list := ToList(nil); len(list) != 0 {
		t.Errorf("Expected empty list, got %v", list)
	}
}
