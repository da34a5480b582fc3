package psi

import (
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/LoveWonYoung/sydeflash/fault"
)

func TestChecksum_KnownValue(t *testing.T) {
	if got := Checksum([]byte("123456789")); got != 0xE5CC {
		t.Errorf("Checksum = 0x%04X, want 0xE5CC", got)
	}
}

func TestSignValidate_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		buf := make([]byte, 3+rng.Intn(300))
		rng.Read(buf)
		if err := Sign(buf); err != nil {
			t.Fatal(err)
		}
		if err := Validate(buf); err != nil {
			t.Fatalf("len %d: %v", len(buf), err)
		}
		pos := 2 + rng.Intn(len(buf)-2)
		buf[pos] ^= byte(1 + rng.Intn(255))
		err := Validate(buf)
		var crcErr *ChecksumError
		if !errors.As(err, &crcErr) || !errors.Is(err, fault.ErrChecksum) {
			t.Fatalf("len %d, byte %d mutated: err = %v", len(buf), pos, err)
		}
	}
}

func TestSign_TooShort(t *testing.T) {
	if err := Sign([]byte{0, 0}); !errors.Is(err, fault.ErrPrecondition) {
		t.Errorf("err = %v", err)
	}
	if err := Validate([]byte{0}); !errors.Is(err, fault.ErrChecksum) {
		t.Errorf("err = %v", err)
	}
}

func TestImage_MarshalParse(t *testing.T) {
	img := &Image{
		Version:  1,
		Datapool: "DP_HALC",
		Entries: []Entry{
			{Name: "Speed", Type: TypeUint16, Value: []byte{0x01, 0xF4}},
			{Name: "Name", Type: TypeArray, Value: []byte("pump")},
			{Name: "Empty", Type: TypeUint8, Value: []byte{}},
		},
	}
	data, err := img.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if string(data[2:6]) != "PSI1" {
		t.Errorf("magic = %q", data[2:6])
	}
	got, err := Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, img) {
		t.Errorf("got %+v\nwant %+v", got, img)
	}

	data[len(data)-1] ^= 0xFF
	if _, err := Parse(data); !errors.Is(err, fault.ErrChecksum) {
		t.Errorf("corrupted image: err = %v", err)
	}
}

func TestParse_Truncated(t *testing.T) {
	img := &Image{Datapool: "DP", Entries: []Entry{{Name: "A", Type: TypeUint8, Value: []byte{1}}}}
	data, _ := img.Marshal()
	short := append([]byte(nil), data[:len(data)-2]...)
	if err := Sign(short); err != nil {
		t.Fatal(err)
	}
	if _, err := Parse(short); !errors.Is(err, ErrFormat) {
		t.Errorf("err = %v, want ErrFormat", err)
	}
}

func TestCreateParameterSetImage_PathCountMismatch(t *testing.T) {
	dir := t.TempDir()
	cfg := HALCConfig{
		Mode:     TwoLevelsWithDropping,
		Datapool: "DP",
		Safe:     []Entry{{Name: "S", Type: TypeUint8, Value: []byte{1}}},
		NonSafe:  []Entry{{Name: "N", Type: TypeUint8, Value: []byte{2}}},
	}
	err := CreateParameterSetImage(cfg, []string{filepath.Join(dir, "only.syde_psi")})
	if !errors.Is(err, fault.ErrPrecondition) {
		t.Fatalf("err = %v, want ErrPrecondition", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("no file may be written, found %d", len(entries))
	}
}

func TestCreateParameterSetImage_Modes(t *testing.T) {
	safe := []Entry{{Name: "S", Type: TypeUint8, Value: []byte{1}}}
	nonSafe := []Entry{{Name: "N", Type: TypeUint8, Value: []byte{2}}}
	tests := []struct {
		mode  SafetyMode
		files int
		want  [][]string
	}{
		{OneLevelAllVisible, 1, [][]string{{"S", "N"}}},
		{OneLevelAllInvisible, 1, [][]string{{"S", "N"}}},
		{TwoLevelsWithDropping, 2, [][]string{{"S"}, {"N"}}},
		{TwoLevelsWithoutDropping, 2, [][]string{{"S"}, {"S", "N"}}},
	}
	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			dir := t.TempDir()
			var paths []string
			for i := 0; i < tt.files; i++ {
				paths = append(paths, filepath.Join(dir, string(rune('a'+i))+Extension))
			}
			cfg := HALCConfig{Mode: tt.mode, Datapool: "DP", Safe: safe, NonSafe: nonSafe}
			if err := CreateParameterSetImage(cfg, paths); err != nil {
				t.Fatal(err)
			}
			for i, p := range paths {
				img, err := ReadFile(p)
				if err != nil {
					t.Fatal(err)
				}
				var names []string
				for _, e := range img.Entries {
					names = append(names, e.Name)
				}
				if !reflect.DeepEqual(names, tt.want[i]) {
					t.Errorf("file %d entries = %v, want %v", i, names, tt.want[i])
				}
			}
		})
	}
}

func TestParseSafetyMode(t *testing.T) {
	m, err := ParseSafetyMode("Two-Levels-With-Dropping")
	if err != nil || m != TwoLevelsWithDropping {
		t.Errorf("m = %v, err = %v", m, err)
	}
	if _, err := ParseSafetyMode("three-levels"); !errors.Is(err, fault.ErrPrecondition) {
		t.Errorf("err = %v", err)
	}
}

func TestValidateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p"+Extension)
	img := &Image{Datapool: "DP"}
	if err := img.WriteFile(path); err != nil {
		t.Fatal(err)
	}
	if err := ValidateFile(path); err != nil {
		t.Fatal(err)
	}
	if !IsImageFile(path) || IsImageFile("fw.hex") {
		t.Error("IsImageFile")
	}
}
