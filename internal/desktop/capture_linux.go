//go:build linux

package desktop

/*
#cgo CFLAGS: -I/usr/include
#cgo LDFLAGS: -lX11

#include <X11/Xlib.h>
#include <X11/Xutil.h>
#include <stdlib.h>
#include <string.h>

typedef struct {
    void* data;
    int width;
    int height;
    int bytesPerRow;
    int error;
} ScreenCaptureResult;

typedef struct {
    Display* display;
    Window root;
    int screen;
    int width;
    int height;
} CaptureContext;

static CaptureContext g_ctx = {0};

int initX11(int displayIndex) {
    if (g_ctx.display != NULL) {
        return 0;
    }
    g_ctx.display = XOpenDisplay(NULL);
    if (g_ctx.display == NULL) {
        return 1;
    }
    g_ctx.screen = displayIndex;
    if (g_ctx.screen >= ScreenCount(g_ctx.display)) {
        g_ctx.screen = DefaultScreen(g_ctx.display);
    }
    g_ctx.root = RootWindow(g_ctx.display, g_ctx.screen);
    g_ctx.width = DisplayWidth(g_ctx.display, g_ctx.screen);
    g_ctx.height = DisplayHeight(g_ctx.display, g_ctx.screen);
    return 0;
}

void cleanupX11() {
    if (g_ctx.display != NULL) {
        XCloseDisplay(g_ctx.display);
    }
    memset(&g_ctx, 0, sizeof(g_ctx));
}

static ScreenCaptureResult convertImage(XImage* image) {
    ScreenCaptureResult result = {0};
    result.width = image->width;
    result.height = image->height;
    result.bytesPerRow = result.width * 4;

    size_t dataSize = (size_t)result.bytesPerRow * result.height;
    result.data = malloc(dataSize);
    if (result.data == NULL) {
        result.error = 4;
        return result;
    }

    unsigned char* dst = (unsigned char*)result.data;
    int depth = image->bits_per_pixel;

    for (int y = 0; y < result.height; y++) {
        for (int x = 0; x < result.width; x++) {
            unsigned long pixel = XGetPixel(image, x, y);
            int idx = y * result.bytesPerRow + x * 4;
            if (depth == 32 || depth == 24) {
                dst[idx + 0] = (pixel >> 16) & 0xFF;
                dst[idx + 1] = (pixel >> 8) & 0xFF;
                dst[idx + 2] = pixel & 0xFF;
                dst[idx + 3] = 255;
            } else if (depth == 16) {
                dst[idx + 0] = ((pixel >> 11) & 0x1F) * 255 / 31;
                dst[idx + 1] = ((pixel >> 5) & 0x3F) * 255 / 63;
                dst[idx + 2] = (pixel & 0x1F) * 255 / 31;
                dst[idx + 3] = 255;
            }
        }
    }
    return result;
}

ScreenCaptureResult captureScreen(int displayIndex) {
    ScreenCaptureResult result = {0};
    int initResult = initX11(displayIndex);
    if (initResult != 0) {
        result.error = initResult;
        return result;
    }
    XImage* image = XGetImage(g_ctx.display, g_ctx.root, 0, 0, g_ctx.width, g_ctx.height, AllPlanes, ZPixmap);
    if (image == NULL) {
        result.error = 3;
        return result;
    }
    result = convertImage(image);
    XDestroyImage(image);
    return result;
}

ScreenCaptureResult captureRegion(int displayIndex, int x, int y, int width, int height) {
    ScreenCaptureResult result = {0};
    int initResult = initX11(displayIndex);
    if (initResult != 0) {
        result.error = initResult;
        return result;
    }
    if (x < 0) x = 0;
    if (y < 0) y = 0;
    if (x + width > g_ctx.width) width = g_ctx.width - x;
    if (y + height > g_ctx.height) height = g_ctx.height - y;

    XImage* image = XGetImage(g_ctx.display, g_ctx.root, x, y, width, height, AllPlanes, ZPixmap);
    if (image == NULL) {
        result.error = 3;
        return result;
    }
    result = convertImage(image);
    XDestroyImage(image);
    return result;
}

void getScreenBoundsL(int displayIndex, int* width, int* height, int* error) {
    *error = initX11(displayIndex);
    if (*error == 0) {
        *width = g_ctx.width;
        *height = g_ctx.height;
    }
}

void freeCapture(void* data) {
    if (data != NULL) {
        free(data);
    }
}
*/
import "C"

import (
	"fmt"
	"image"
	"sync"
)

// linuxCapturer implements ScreenCapturer using bare Xlib XGetImage calls.
type linuxCapturer struct {
	config CaptureConfig
	mu     sync.Mutex
}

func newPlatformCapturer(config CaptureConfig) (ScreenCapturer, error) {
	return &linuxCapturer{config: config}, nil
}

func (c *linuxCapturer) Capture() (*image.RGBA, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := C.captureScreen(C.int(c.config.DisplayIndex))
	if result.error != 0 {
		return nil, c.translateError(int(result.error))
	}
	defer C.freeCapture(result.data)
	return c.toImage(result)
}

func (c *linuxCapturer) CaptureRegion(x, y, width, height int) (*image.RGBA, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := C.captureRegion(C.int(c.config.DisplayIndex), C.int(x), C.int(y), C.int(width), C.int(height))
	if result.error != 0 {
		return nil, c.translateError(int(result.error))
	}
	defer C.freeCapture(result.data)
	return c.toImage(result)
}

func (c *linuxCapturer) GetScreenBounds() (width, height int, err error) {
	var cWidth, cHeight, cError C.int
	C.getScreenBoundsL(C.int(c.config.DisplayIndex), &cWidth, &cHeight, &cError)
	if cError != 0 {
		return 0, 0, c.translateError(int(cError))
	}
	return int(cWidth), int(cHeight), nil
}

func (c *linuxCapturer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	C.cleanupX11()
	return nil
}

func (c *linuxCapturer) toImage(result C.ScreenCaptureResult) (*image.RGBA, error) {
	width := int(result.width)
	height := int(result.height)
	bytesPerRow := int(result.bytesPerRow)

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	cData := C.GoBytes(result.data, C.int(bytesPerRow*height))

	for y := 0; y < height; y++ {
		srcStart := y * bytesPerRow
		dstStart := y * img.Stride
		copy(img.Pix[dstStart:dstStart+width*4], cData[srcStart:srcStart+width*4])
	}

	return img, nil
}

func (c *linuxCapturer) translateError(code int) error {
	switch code {
	case 1:
		return fmt.Errorf("%w: failed to open X11 display (is DISPLAY set?)", ErrDisplayNotFound)
	case 3:
		return fmt.Errorf("XGetImage failed")
	case 4:
		return fmt.Errorf("memory allocation failed")
	default:
		return fmt.Errorf("unknown X11 capture error: %d", code)
	}
}

var _ ScreenCapturer = (*linuxCapturer)(nil)
