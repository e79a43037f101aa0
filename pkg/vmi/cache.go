package vmi

import (
	lru "github.com/hashicorp/golang-lru"
)

type translationKey struct {
	page uint64
	dtb  uint64
}

// CachingIntrospection caches page translations and kernel symbols of
// another Introspection. FlushTranslationCaches drops the translations.
type CachingIntrospection struct {
	Introspection

	translations *lru.Cache
	symbols      *lru.Cache
}

// NewCachingIntrospection wraps inner with translation and symbol caches
// holding up to size entries each.
func NewCachingIntrospection(inner Introspection, size int) (*CachingIntrospection, error) {
	translations, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	symbols, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &CachingIntrospection{Introspection: inner, translations: translations, symbols: symbols}, nil
}

func (c *CachingIntrospection) TranslateVAToPA(va, dtb uint64) (uint64, error) {
	key := translationKey{page: va >> PageShift, dtb: NormalizeDTB(dtb)}
	if v, ok := c.translations.Get(key); ok {
		return v.(uint64) | PageOffset(va), nil
	}
	pa, err := c.Introspection.TranslateVAToPA(va, dtb)
	if err != nil {
		return 0, err
	}
	c.translations.Add(key, pa&^(PageSize-1))
	return pa, nil
}

func (c *CachingIntrospection) TranslateKernelSymbol(name string) (uint64, error) {
	if v, ok := c.symbols.Get(name); ok {
		return v.(uint64), nil
	}
	va, err := c.Introspection.TranslateKernelSymbol(name)
	if err != nil {
		return 0, err
	}
	c.symbols.Add(name, va)
	return va, nil
}

func (c *CachingIntrospection) FlushTranslationCaches() {
	c.translations.Purge()
	c.Introspection.FlushTranslationCaches()
}

// CachedTranslations returns the number of cached page translations.
func (c *CachingIntrospection) CachedTranslations() int {
	return c.translations.Len()
}
