//go:build linux

// Package pipewire consumes a portal-authorized PipeWire video node. The
// library is loaded with dlopen so the binary still starts on systems
// without PipeWire.
package pipewire

/*
#cgo pkg-config: libpipewire-0.3
#cgo LDFLAGS: -ldl
#include <pipewire/pipewire.h>
#include <spa/param/video/format-utils.h>
#include <spa/param/buffers.h>
#include <stdlib.h>
#include <string.h>
#include <dlfcn.h>

// Function pointers for dynamic loading
static void (*d_pw_init)(int *argc, char **argv[]);
static struct pw_main_loop * (*d_pw_main_loop_new)(const struct spa_dict *props);
static struct pw_loop * (*d_pw_main_loop_get_loop)(struct pw_main_loop *loop);
static void (*d_pw_main_loop_quit)(struct pw_main_loop *loop);
static void (*d_pw_main_loop_run)(struct pw_main_loop *loop);
static void (*d_pw_main_loop_destroy)(struct pw_main_loop *loop);
static struct pw_context * (*d_pw_context_new)(struct pw_loop *main_loop, struct pw_properties *props, size_t user_data_size);
static void (*d_pw_context_destroy)(struct pw_context *context);
static struct pw_core * (*d_pw_context_connect_fd)(struct pw_context *context, int fd, struct pw_properties *properties, size_t user_data_size);
static int (*d_pw_core_disconnect)(struct pw_core *core);
static struct pw_properties * (*d_pw_properties_new)(const char *key, ...);
static struct pw_stream * (*d_pw_stream_new)(struct pw_core *core, const char *name, struct pw_properties *props);
static void (*d_pw_stream_add_listener)(struct pw_stream *stream, struct spa_hook *listener, const struct pw_stream_events *events, void *data);
static int (*d_pw_stream_connect)(struct pw_stream *stream, enum pw_direction direction, uint32_t target_id, enum pw_stream_flags flags, const struct spa_pod **params, uint32_t n_params);
static int (*d_pw_stream_update_params)(struct pw_stream *stream, const struct spa_pod **params, uint32_t n_params);
static struct pw_buffer * (*d_pw_stream_dequeue_buffer)(struct pw_stream *stream);
static int (*d_pw_stream_queue_buffer)(struct pw_stream *stream, struct pw_buffer *buffer);
static void (*d_pw_stream_destroy)(struct pw_stream *stream);

static void* pw_lib_handle = NULL;

static int load_pipewire() {
    if (pw_lib_handle != NULL) return 1;

    const char* lib_names[] = {
        "libpipewire-0.3.so.0",
        "libpipewire-0.3.so",
        NULL
    };

    for (int i = 0; lib_names[i] != NULL; i++) {
        pw_lib_handle = dlopen(lib_names[i], RTLD_NOW);
        if (pw_lib_handle) break;
    }

    if (!pw_lib_handle) return 0;

    d_pw_init = dlsym(pw_lib_handle, "pw_init");
    d_pw_main_loop_new = dlsym(pw_lib_handle, "pw_main_loop_new");
    d_pw_main_loop_get_loop = dlsym(pw_lib_handle, "pw_main_loop_get_loop");
    d_pw_main_loop_quit = dlsym(pw_lib_handle, "pw_main_loop_quit");
    d_pw_main_loop_run = dlsym(pw_lib_handle, "pw_main_loop_run");
    d_pw_main_loop_destroy = dlsym(pw_lib_handle, "pw_main_loop_destroy");
    d_pw_context_new = dlsym(pw_lib_handle, "pw_context_new");
    d_pw_context_destroy = dlsym(pw_lib_handle, "pw_context_destroy");
    d_pw_context_connect_fd = dlsym(pw_lib_handle, "pw_context_connect_fd");
    d_pw_core_disconnect = dlsym(pw_lib_handle, "pw_core_disconnect");
    d_pw_properties_new = dlsym(pw_lib_handle, "pw_properties_new");
    d_pw_stream_new = dlsym(pw_lib_handle, "pw_stream_new");
    d_pw_stream_add_listener = dlsym(pw_lib_handle, "pw_stream_add_listener");
    d_pw_stream_connect = dlsym(pw_lib_handle, "pw_stream_connect");
    d_pw_stream_update_params = dlsym(pw_lib_handle, "pw_stream_update_params");
    d_pw_stream_dequeue_buffer = dlsym(pw_lib_handle, "pw_stream_dequeue_buffer");
    d_pw_stream_queue_buffer = dlsym(pw_lib_handle, "pw_stream_queue_buffer");
    d_pw_stream_destroy = dlsym(pw_lib_handle, "pw_stream_destroy");

    if (!d_pw_init || !d_pw_main_loop_new || !d_pw_stream_new ||
        !d_pw_context_connect_fd || !d_pw_stream_update_params) {
        dlclose(pw_lib_handle);
        pw_lib_handle = NULL;
        return 0;
    }

    return 1;
}

extern void on_state_changed_go(int id, enum pw_stream_state old, enum pw_stream_state state, char *error);
extern int on_param_changed_go(int id, uint32_t media_type, uint32_t media_subtype,
    uint32_t format, uint32_t width, uint32_t height, uint32_t fr_num, uint32_t fr_denom);
extern void on_frame_go(int id, uint32_t n_datas, void *data, int64_t fd, uint32_t type,
    uint32_t mapoffset, uint32_t chunk_offset, uint32_t chunk_size, int32_t stride, uint32_t maxsize);

struct go_stream_data {
    int id;
    struct pw_stream *stream;
    struct spa_hook stream_listener;
};

static void on_state_changed_c(void *userdata, enum pw_stream_state old, enum pw_stream_state state, const char *error) {
    struct go_stream_data *data = userdata;
    on_state_changed_go(data->id, old, state, (char*)error);
}

static void accept_format(struct pw_stream *stream) {
    uint8_t buffer[256];
    struct spa_pod_builder b = SPA_POD_BUILDER_INIT(buffer, sizeof(buffer));

    const struct spa_pod *params[1];
    params[0] = spa_pod_builder_add_object(&b,
        SPA_TYPE_OBJECT_ParamBuffers, SPA_PARAM_Buffers,
        SPA_PARAM_BUFFERS_dataType, SPA_POD_CHOICE_FLAGS_Int(
            (1 << SPA_DATA_MemPtr) | (1 << SPA_DATA_MemFd)));

    d_pw_stream_update_params(stream, params, 1);
}

static void on_param_changed_c(void *userdata, uint32_t id, const struct spa_pod *param) {
    struct go_stream_data *data = userdata;
    if (param == NULL || id != SPA_PARAM_Format || !data->stream) return;

    uint32_t media_type = 0, media_subtype = 0;
    if (spa_format_parse(param, &media_type, &media_subtype) < 0) return;

    struct spa_video_info_raw raw;
    memset(&raw, 0, sizeof(raw));
    if (media_type == SPA_MEDIA_TYPE_video && media_subtype == SPA_MEDIA_SUBTYPE_raw) {
        if (spa_format_video_raw_parse(param, &raw) < 0) return;
    }

    int accepted = on_param_changed_go(data->id, media_type, media_subtype,
        raw.format, raw.size.width, raw.size.height, raw.framerate.num, raw.framerate.denom);
    if (accepted) {
        accept_format(data->stream);
    }
}

static void on_process_c(void *userdata) {
    struct go_stream_data *data = userdata;
    if (!data->stream) return;

    struct pw_buffer *b = d_pw_stream_dequeue_buffer(data->stream);
    if (b == NULL) {
        return;
    }

    struct spa_buffer *buf = b->buffer;
    if (buf->n_datas == 0) {
        on_frame_go(data->id, 0, NULL, -1, SPA_DATA_Invalid, 0, 0, 0, 0, 0);
    } else {
        struct spa_data *d = &buf->datas[0];
        uint32_t offset = 0, size = 0;
        int32_t stride = 0;
        if (d->chunk != NULL) {
            offset = d->chunk->offset;
            size = d->chunk->size;
            stride = d->chunk->stride;
        }
        on_frame_go(data->id, buf->n_datas, d->data, d->fd, d->type,
            d->mapoffset, offset, size, stride, d->maxsize);
    }

    d_pw_stream_queue_buffer(data->stream, b);
}

static const struct pw_stream_events stream_events = {
    PW_VERSION_STREAM_EVENTS,
    .state_changed = on_state_changed_c,
    .param_changed = on_param_changed_c,
    .process = on_process_c,
};

static inline struct pw_stream * create_stream(struct pw_core *core, const char *name, struct go_stream_data *data) {
    struct pw_properties *props = d_pw_properties_new(
                PW_KEY_MEDIA_TYPE, "Video",
                PW_KEY_MEDIA_CATEGORY, "Capture",
                PW_KEY_MEDIA_ROLE, "Screen",
                NULL);

    struct pw_stream *stream = d_pw_stream_new(core, name, props);
    if (stream != NULL) {
        data->stream = stream;
        d_pw_stream_add_listener(stream, &data->stream_listener, &stream_events, data);
    }
    return stream;
}

static inline int connect_stream(struct pw_stream *stream, uint32_t target_id, uint32_t width, uint32_t height, uint32_t framerate_num, uint32_t framerate_den) {
    uint8_t buffer[1024];
    struct spa_pod_builder b = SPA_POD_BUILDER_INIT(buffer, sizeof(buffer));

    const struct spa_pod *params[1];
    params[0] = spa_pod_builder_add_object(&b,
        SPA_TYPE_OBJECT_Format, SPA_PARAM_EnumFormat,
        SPA_FORMAT_mediaType, SPA_POD_Id(SPA_MEDIA_TYPE_video),
        SPA_FORMAT_mediaSubtype, SPA_POD_Id(SPA_MEDIA_SUBTYPE_raw),
        SPA_FORMAT_VIDEO_format, SPA_POD_CHOICE_ENUM_Id(7,
            SPA_VIDEO_FORMAT_BGRx,
            SPA_VIDEO_FORMAT_BGRx,
            SPA_VIDEO_FORMAT_BGRA,
            SPA_VIDEO_FORMAT_RGBx,
            SPA_VIDEO_FORMAT_RGBA,
            SPA_VIDEO_FORMAT_xRGB,
            SPA_VIDEO_FORMAT_xBGR),
        SPA_FORMAT_VIDEO_size, SPA_POD_CHOICE_RANGE_Rectangle(
            &SPA_RECTANGLE(width, height),
            &SPA_RECTANGLE(1, 1),
            &SPA_RECTANGLE(8192, 8192)),
        SPA_FORMAT_VIDEO_framerate, SPA_POD_CHOICE_RANGE_Fraction(
            &SPA_FRACTION(framerate_num, framerate_den),
            &SPA_FRACTION(0, 1),
            &SPA_FRACTION(1000, 1)));

    return d_pw_stream_connect(stream,
        PW_DIRECTION_INPUT,
        target_id,
        PW_STREAM_FLAG_AUTOCONNECT |
        PW_STREAM_FLAG_MAP_BUFFERS,
        params, 1);
}

// Accessors for Go
static inline void wrap_pw_init() { d_pw_init(NULL, NULL); }
static inline struct pw_main_loop * wrap_pw_main_loop_new() { return d_pw_main_loop_new(NULL); }
static inline struct pw_context * wrap_pw_context_new(struct pw_main_loop *loop) { return d_pw_context_new(d_pw_main_loop_get_loop(loop), NULL, 0); }
static inline struct pw_core * wrap_pw_context_connect_fd(struct pw_context *context, int fd) { return d_pw_context_connect_fd(context, fd, NULL, 0); }
static inline void wrap_pw_main_loop_run(struct pw_main_loop *loop) { d_pw_main_loop_run(loop); }
static inline void wrap_pw_main_loop_quit(struct pw_main_loop *loop) { d_pw_main_loop_quit(loop); }
static inline void wrap_pw_stream_destroy(struct pw_stream *stream) { d_pw_stream_destroy(stream); }
static inline void wrap_pw_core_disconnect(struct pw_core *core) { d_pw_core_disconnect(core); }
static inline void wrap_pw_context_destroy(struct pw_context *context) { d_pw_context_destroy(context); }
static inline void wrap_pw_main_loop_destroy(struct pw_main_loop *loop) { d_pw_main_loop_destroy(loop); }

*/
import "C"
import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"go2tv.app/screenrelay/internal/logging"
	"go2tv.app/screenrelay/internal/spa"
)

type Stream struct {
	loop    *C.struct_pw_main_loop
	context *C.struct_pw_context
	core    *C.struct_pw_core
	cData   *C.struct_go_stream_data

	id      int
	nodeID  uint32
	sink    spa.Sink
	formats *spa.FormatNegotiator
	log     *zap.Logger

	errc chan error

	lastEmptyLog   atomic.Int64
	lastDeliverLog atomic.Int64
	emptyFrames    atomic.Uint64

	runMu     sync.Mutex
	closed    bool
	closeOnce sync.Once
}

var (
	streamsMu sync.Mutex
	streams   = make(map[int]*Stream)
	nextID    = 1
	libLoaded bool
	libMu     sync.Mutex
)

// IsAvailable checks if the PipeWire C library can be loaded.
func IsAvailable() bool {
	libMu.Lock()
	defer libMu.Unlock()
	if libLoaded {
		return true
	}
	if C.load_pipewire() == 1 {
		libLoaded = true
		C.wrap_pw_init()
		return true
	}
	return false
}

// NewStream connects to PipeWire over the portal remote fd and binds a
// capture stream to nodeID. fd stays owned by the caller.
func NewStream(fd int, nodeID uint32, opts Options) (*Stream, error) {
	if !IsAvailable() {
		return nil, ErrLibraryNotLoaded
	}
	if opts.Sink == nil || opts.Formats == nil {
		return nil, errors.New("pipewire: stream needs a sink and a format negotiator")
	}
	opts = opts.withDefaults()

	s := &Stream{
		nodeID:  nodeID,
		sink:    opts.Sink,
		formats: opts.Formats,
		log:     opts.Logger.Named("pipewire").With(zap.Uint32("node_id", nodeID)),
		errc:    make(chan error, 1),
	}

	streamsMu.Lock()
	s.id = nextID
	nextID++
	streamsMu.Unlock()

	// dup fd because pw_context_connect_fd takes ownership
	dupFd, err := unix.Dup(fd)
	if err != nil {
		return nil, fmt.Errorf("dup fd: %w", err)
	}
	defer func() {
		if dupFd >= 0 {
			_ = unix.Close(dupFd)
		}
	}()

	cleanupOnError := func(err error) (*Stream, error) {
		_ = s.Close()
		return nil, err
	}

	s.loop = C.wrap_pw_main_loop_new()
	if s.loop == nil {
		return cleanupOnError(fmt.Errorf("%w: main loop", ErrSetup))
	}

	s.context = C.wrap_pw_context_new(s.loop)
	if s.context == nil {
		return cleanupOnError(fmt.Errorf("%w: context", ErrSetup))
	}

	s.core = C.wrap_pw_context_connect_fd(s.context, C.int(dupFd))
	if s.core == nil {
		return cleanupOnError(fmt.Errorf("%w: connect fd", ErrSetup))
	}
	dupFd = -1 // ownership was transferred to PipeWire

	name := C.CString(opts.Name)
	defer C.free(unsafe.Pointer(name))

	s.cData = (*C.struct_go_stream_data)(C.malloc(C.sizeof_struct_go_stream_data))
	s.cData.id = C.int(s.id)
	s.cData.stream = nil

	// Register before connecting; callbacks may fire as soon as the loop runs.
	streamsMu.Lock()
	streams[s.id] = s
	streamsMu.Unlock()

	stream := C.create_stream(s.core, name, s.cData)
	if stream == nil {
		return cleanupOnError(fmt.Errorf("%w: stream", ErrSetup))
	}
	s.cData.stream = stream

	res := C.connect_stream(stream, C.uint32_t(nodeID),
		C.uint32_t(opts.Width), C.uint32_t(opts.Height), C.uint32_t(opts.FrameRate), 1)
	if res < 0 {
		return cleanupOnError(fmt.Errorf("%w: connect stream: %d", ErrSetup, int(res)))
	}

	s.log.Debug("stream connected",
		zap.Uint32("width", opts.Width),
		zap.Uint32("height", opts.Height),
		zap.Uint32("frame_rate", opts.FrameRate))
	return s, nil
}

// Run iterates the PipeWire loop on the calling goroutine, locked to its OS
// thread, until ctx is done or the stream enters the error state.
func (s *Stream) Run(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			s.Stop()
		case <-done:
		}
	}()

	runtime.LockOSThread()
	C.wrap_pw_main_loop_run(s.loop)
	runtime.UnlockOSThread()
	close(done)
	wg.Wait()

	select {
	case err := <-s.errc:
		return err
	default:
	}
	return ctx.Err()
}

func (s *Stream) Stop() {
	if s.loop != nil {
		C.wrap_pw_main_loop_quit(s.loop)
	}
}

// EmptyFrames counts process callbacks that carried no frame data.
func (s *Stream) EmptyFrames() uint64 {
	return s.emptyFrames.Load()
}

func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.Stop()
		// Run holds runMu until the loop has returned.
		s.runMu.Lock()
		defer s.runMu.Unlock()
		s.closed = true

		streamsMu.Lock()
		delete(streams, s.id)
		streamsMu.Unlock()

		if s.cData != nil {
			if s.cData.stream != nil {
				C.wrap_pw_stream_destroy(s.cData.stream)
			}
			C.free(unsafe.Pointer(s.cData))
			s.cData = nil
		}
		if s.core != nil {
			C.wrap_pw_core_disconnect(s.core)
			s.core = nil
		}
		if s.context != nil {
			C.wrap_pw_context_destroy(s.context)
			s.context = nil
		}
		if s.loop != nil {
			C.wrap_pw_main_loop_destroy(s.loop)
			s.loop = nil
		}
	})
	return nil
}

func lookup(id C.int) (*Stream, bool) {
	streamsMu.Lock()
	s, ok := streams[int(id)]
	streamsMu.Unlock()
	return s, ok
}

//export on_state_changed_go
func on_state_changed_go(id C.int, old C.enum_pw_stream_state, state C.enum_pw_stream_state, errMsg *C.char) {
	s, ok := lookup(id)
	if !ok {
		return
	}

	from, to := StreamState(old), StreamState(state)
	s.log.Debug("stream state changed", zap.Stringer("from", from), zap.Stringer("to", to))
	if to != StateError {
		return
	}

	msg := "unknown error"
	if errMsg != nil {
		msg = C.GoString(errMsg)
	}
	s.log.Error("stream failed", zap.String("error", msg))
	select {
	case s.errc <- fmt.Errorf("%w: %s", ErrStreamFailed, msg):
	default:
	}
	if s.loop != nil {
		C.wrap_pw_main_loop_quit(s.loop)
	}
}

//export on_param_changed_go
func on_param_changed_go(id C.int, mediaType, mediaSubtype, format, width, height, frNum, frDenom C.uint32_t) C.int {
	s, ok := lookup(id)
	if !ok {
		return 0
	}

	f := spa.Format{
		MediaType:    spa.MediaType(mediaType),
		MediaSubtype: spa.MediaSubtype(mediaSubtype),
		VideoFormat:  spa.VideoFormat(format),
		Width:        uint32(width),
		Height:       uint32(height),
		FrameRate:    spa.Fraction{Num: uint32(frNum), Denom: uint32(frDenom)},
	}
	if s.formats.Propose(f) {
		return 1
	}
	return 0
}

//export on_frame_go
func on_frame_go(id C.int, nDatas C.uint32_t, data unsafe.Pointer, fd C.int64_t, dataType,
	mapOffset, chunkOffset, chunkSize C.uint32_t, stride C.int32_t, maxSize C.uint32_t) {
	s, ok := lookup(id)
	if !ok {
		return
	}

	v := spa.BufferView{
		NDatas:      uint32(nDatas),
		FD:          int(fd),
		Type:        spa.DataType(dataType),
		MapOffset:   uint32(mapOffset),
		ChunkOffset: uint32(chunkOffset),
		ChunkSize:   uint32(chunkSize),
		MaxSize:     uint32(maxSize),
		Stride:      int32(stride),
	}
	if f, ok := s.formats.Accepted(); ok {
		v.RowBytes = f.Width * uint32(f.VideoFormat.BytesPerPixel())
	}
	end := uint64(chunkOffset) + uint64(chunkSize)
	if data != nil && chunkSize > 0 && end <= uint64(maxSize) {
		v.Data = unsafe.Slice((*byte)(unsafe.Add(data, int(chunkOffset))), int(chunkSize))
	}

	err := spa.Deliver(v, s.sink)
	switch {
	case err == nil:
	case errors.Is(err, spa.ErrEmptyFrame):
		total := s.emptyFrames.Add(1)
		if logging.Every(&s.lastEmptyLog, time.Second) {
			s.log.Debug("skipping empty buffer", zap.Uint64("total", total))
		}
	default:
		if logging.Every(&s.lastDeliverLog, time.Second) {
			s.log.Warn("frame delivery failed", zap.Error(err))
		}
	}
}
