package textlang

import (
	"testing"

	"github.com/matryer/is"
)

func TestDetect_German(t *testing.T) {
	is := is.New(t)
	r := New().Detect("Guten Tag, ich habe ein Problem mit meiner Heizung.")
	is.Equal(r.Language, German)
	is.True(!r.IsDialect)
}

func TestDetect_Russian(t *testing.T) {
	is := is.New(t)
	r := New().Detect("Здравствуйте, у меня проблема с отоплением")
	is.Equal(r.Language, Russian)
	is.True(r.Confidence >= MediumConfidence)
}

func TestDetect_Turkish(t *testing.T) {
	is := is.New(t)
	r := New().Detect("Merhaba, ısıtma sistemimde bir sorun var, çözüm gerekiyor şimdi")
	is.Equal(r.Language, Turkish)
}

func TestDetect_SchwaebischDialect(t *testing.T) {
	is := is.New(t)
	r := New().Detect("I han koi Strom meh, des isch bissle komisch gell")
	is.Equal(r.Language, German)
	is.True(r.IsDialect)
	is.Equal(r.DialectName, "schwäbisch")
	is.Equal(r.ResponseLanguage(), German)
}

func TestDetect_English(t *testing.T) {
	is := is.New(t)
	r := New().Detect("Hello, I have a problem with my electricity, can you help?")
	is.Equal(r.Language, English)
}

func TestDetect_EmptyDefaultsGerman(t *testing.T) {
	is := is.New(t)
	r := New().Detect("   ")
	is.Equal(r.Language, German)
	is.Equal(r.Confidence, 0.0)
}

func TestDetect_DefaultsGermanOnAmbiguousText(t *testing.T) {
	is := is.New(t)
	r := New().Detect("xyzzy plugh")
	is.Equal(r.Language, German)
	is.Equal(r.Confidence, HighConfidence)
}
