package main

/*
#include <stdlib.h>
#include <string.h>
*/
import "C"
import (
	"unsafe"

	"chordcache/src/api"
	"chordcache/src/config"

	"github.com/charmbracelet/log"
	"github.com/spf13/viper"
)

func cbool(ok bool) C.int {
	if ok {
		return 1
	}
	return 0
}

// cbytes hands b to the caller, who releases it with FreeMem.
func cbytes(b []byte, resultLen *C.int) *C.char {
	if len(b) == 0 {
		*resultLen = 0
		return nil
	}
	*resultLen = C.int(len(b))
	return (*C.char)(C.CBytes(b))
}

//export Init
func Init(configPath *C.char) C.int {
	v := viper.New()
	if err := configure(v, C.GoString(configPath)); err != nil {
		log.Error("failed to configure cache", "err", err)
		return 0
	}
	cfg, err := config.Load(v)
	if err != nil {
		log.Error("invalid cache configuration", "err", err)
		return 0
	}
	return cbool(api.Init(cfg))
}

//export CacheChordSheet
func CacheChordSheet(artist, title *C.char, content *C.char, contentLen C.int, saved C.int) C.int {
	b := C.GoBytes(unsafe.Pointer(content), contentLen)
	return cbool(api.CacheChordSheet(C.GoString(artist), C.GoString(title), b, saved != 0))
}

//export GetCachedChordSheet
func GetCachedChordSheet(artist, title *C.char, resultLen *C.int) *C.char {
	return cbytes(api.GetCachedChordSheet(C.GoString(artist), C.GoString(title)), resultLen)
}

//export GetCachedChordSheetByPath
func GetCachedChordSheetByPath(path *C.char, resultLen *C.int) *C.char {
	return cbytes(api.GetCachedChordSheetByPath(C.GoString(path)), resultLen)
}

//export SavedChordSheets
func SavedChordSheets(resultLen *C.int) *C.char {
	return cbytes(api.SavedChordSheets(), resultLen)
}

//export CacheSearchResults
func CacheSearchResults(query *C.char, content *C.char, contentLen C.int) C.int {
	b := C.GoBytes(unsafe.Pointer(content), contentLen)
	return cbool(api.CacheSearchResults(C.GoString(query), b))
}

//export GetCachedSearchResults
func GetCachedSearchResults(query *C.char, resultLen *C.int) *C.char {
	return cbytes(api.GetCachedSearchResults(C.GoString(query)), resultLen)
}

//export Search
func Search(artist, song *C.char, resultLen *C.int) *C.char {
	return cbytes(api.Search(C.GoString(artist), C.GoString(song)), resultLen)
}

//export ClearAllCache
func ClearAllCache() C.int {
	return cbool(api.ClearAllCache())
}

//export ClearSearchCache
func ClearSearchCache() C.int {
	return cbool(api.ClearSearchCache())
}

//export ClearExpiredEntries
func ClearExpiredEntries() C.int {
	return C.int(api.ClearExpiredEntries())
}

//export Close
func Close() C.int {
	return cbool(api.Close())
}

//export FreeMem
func FreeMem(ptr *C.char) {
	if ptr != nil {
		C.free(unsafe.Pointer(ptr))
	}
}
